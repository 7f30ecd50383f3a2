package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	tokenKey      = []byte("token")
	activeRoomKey = []byte("active_room")
)

// State wraps a bbolt database holding session state: the cached bearer
// token and the last active room. Conversation content is deliberately
// never stored here; messages, typing indicators, and connection state
// are ephemeral and rebuilt from the server on every start.
type State struct {
	db *bolt.DB
}

func dbPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".chat-sync", "state.db")
	}
	return filepath.Join(home, ".chat-sync", "state.db")
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached authentication token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the authentication token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(tokenKey, []byte(token))
	})
}

// ClearToken removes the cached token, e.g. after the server rejects it.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(tokenKey)
	})
}

// ActiveRoom returns the last active room id, or 0 when none was saved.
func (s *State) ActiveRoom() int64 {
	var room int64

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(activeRoomKey)
		if v != nil {
			room, _ = strconv.ParseInt(string(v), 10, 64)
		}

		return nil
	})

	return room
}

// SetActiveRoom persists the active room id.
func (s *State) SetActiveRoom(roomID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(activeRoomKey, []byte(strconv.FormatInt(roomID, 10)))
	})
}
