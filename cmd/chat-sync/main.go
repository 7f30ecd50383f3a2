package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := chat.NewClient(cfg.ServerURL, nil)

	token, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return err
	}

	self, err := findSelf(ctx, client, token, cfg.Username)
	if err != nil {
		return err
	}

	rooms, err := client.Rooms(ctx, token)
	if err != nil {
		return fmt.Errorf("listing rooms: %w", err)
	}

	room, err := selectRoom(rooms, cfg.RoomID, appState.ActiveRoom())
	if err != nil {
		return err
	}

	logger.Info("selected room",
		slog.Int64("id", room.ID),
		slog.String("title", room.Title()),
	)
	if err := appState.SetActiveRoom(room.ID); err != nil {
		logger.Warn("failed to save active room", slog.String("error", err.Error()))
	}

	mgr := chat.NewManager(cfg.WSURL, logger)
	sync := chat.NewRoomSync(chat.RoomSyncConfig{
		Manager: mgr,
		API:     client,
		Tokens:  chat.StaticToken(token),
		Self:    self,
		OnMessages: func(msgs []chat.Message) {
			printLatest(msgs, self.ID)
		},
		OnTyping: func(users []string) {
			if len(users) > 0 {
				fmt.Printf("  (%s typing...)\n", strings.Join(users, ", "))
			}
		},
	}, logger)
	defer sync.Close()

	if err := sync.Activate(ctx, room.ID); err != nil {
		return fmt.Errorf("opening room: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return readInput(gctx, sync, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sync.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readInput forwards stdin lines into the active room until EOF or
// cancellation.
func readInput(ctx context.Context, sync *chat.RoomSync, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		sync.NotifyTyping(ctx)
		if err := sync.SendText(ctx, line); err != nil {
			logger.Warn("message not sent", slog.String("error", err.Error()))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func printLatest(msgs []chat.Message, selfID int64) {
	if len(msgs) == 0 {
		return
	}

	last := msgs[len(msgs)-1]
	who := last.Sender.Username
	if last.Sender.ID == selfID {
		who = "you"
	}
	status := ""
	if !last.Confirmed() {
		status = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", last.Timestamp.Format("15:04:05"), who, last.Text, status)
}

func authenticate(ctx context.Context, client *chat.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (string, error) {
	if token := appState.Token(); token != "" {
		logger.Debug("trying cached token")
		if _, err := client.Rooms(ctx, token); err == nil {
			logger.Info("authenticated with cached token")
			return token, nil
		}
		logger.Debug("cached token rejected, logging in fresh")
		if err := appState.ClearToken(); err != nil {
			logger.Warn("failed to clear token", slog.String("error", err.Error()))
		}
	}

	logger.Info("logging in", slog.String("username", cfg.Username))
	token, err := client.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		if errors.Is(err, chaterrors.ErrInvalidCredentials) {
			return "", err
		}
		return "", fmt.Errorf("logging in: %w", err)
	}

	if err := appState.SetToken(token); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	return token, nil
}

// selectRoom picks the room to open: an explicit CHAT_ROOM_ID wins, then
// the previously active room, then the only room when there is exactly
// one.
func selectRoom(rooms []chat.Room, wantID, lastActive int64) (*chat.Room, error) {
	if len(rooms) == 0 {
		return nil, fmt.Errorf("no chat rooms found for this account")
	}

	if wantID > 0 {
		for i := range rooms {
			if rooms[i].ID == wantID {
				return &rooms[i], nil
			}
		}
		return nil, fmt.Errorf("room %d not found, available: %s", wantID, roomNames(rooms))
	}

	if lastActive > 0 {
		for i := range rooms {
			if rooms[i].ID == lastActive {
				return &rooms[i], nil
			}
		}
	}

	if len(rooms) == 1 {
		return &rooms[0], nil
	}

	return nil, fmt.Errorf("multiple rooms found, set CHAT_ROOM_ID to pick one: %s", roomNames(rooms))
}

func roomNames(rooms []chat.Room) string {
	var all []string
	for i := range rooms {
		all = append(all, fmt.Sprintf("%d (%s)", rooms[i].ID, rooms[i].Name))
	}
	return strings.Join(all, ", ")
}

func findSelf(ctx context.Context, client *chat.Client, token, username string) (chat.User, error) {
	users, err := client.Users(ctx, token)
	if err != nil {
		return chat.User{}, fmt.Errorf("listing users: %w", err)
	}

	for _, u := range users {
		if u.Username == username {
			return u, nil
		}
	}

	return chat.User{}, fmt.Errorf("user %q not found on server", username)
}
