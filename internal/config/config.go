package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Base URL of the chat REST API, e.g. https://chat.example.com
	ServerURL string `env:"CHAT_SERVER_URL"`

	// WebSocket base URL. Derived from ServerURL when empty
	// (http -> ws, https -> wss).
	WSURL string `env:"CHAT_WS_URL"`

	// Account credentials.
	Username string `env:"CHAT_USERNAME"`
	Password string `env:"CHAT_PASSWORD"`

	// Room to open on startup. When 0 and the account has exactly one
	// room, that room is used automatically.
	RoomID int64 `env:"CHAT_ROOM_ID" envDefault:"0"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		derived, err := deriveWSURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("deriving websocket url: %w", err)
		}

		cfg.WSURL = derived
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}

	if c.Username == "" {
		return fmt.Errorf("CHAT_USERNAME is required")
	}

	if c.Password == "" {
		return fmt.Errorf("CHAT_PASSWORD is required")
	}

	return nil
}

// deriveWSURL maps the REST base URL onto the websocket scheme:
// https becomes wss, http becomes ws.
func deriveWSURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q in CHAT_SERVER_URL", u.Scheme)
	}

	return u.String(), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
