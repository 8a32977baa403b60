package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by ApplyDefaults when a field is unset.
const (
	DefaultBackendURL         = "http://localhost:3000"
	DefaultSocketPath         = "/chat/ws"
	DefaultPollIntervalSecs   = 10
	DefaultRequestTimeoutSecs = 30
	DefaultGraceWindowSecs    = 60
)

// Config represents the global ~/.lavoro/chat.toml.
type Config struct {
	// BackendURL is the base URL of the chat collaborator API.
	BackendURL string `toml:"backend_url"`
	// SocketURL is the websocket endpoint. Empty derives it from
	// BackendURL plus the default socket path.
	SocketURL string `toml:"socket_url"`
	// DefaultUser is used when no -user flag is given.
	DefaultUser string `toml:"default_user"`
	// StateDir overrides the per-user state directory root.
	StateDir string `toml:"state_dir"`

	PollIntervalSecs   int `toml:"poll_interval_secs"`
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
	GraceWindowSecs    int `toml:"grace_window_secs"`
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.BackendURL == "" {
		c.BackendURL = DefaultBackendURL
	}
	if c.PollIntervalSecs <= 0 {
		c.PollIntervalSecs = DefaultPollIntervalSecs
	}
	if c.RequestTimeoutSecs <= 0 {
		c.RequestTimeoutSecs = DefaultRequestTimeoutSecs
	}
	if c.GraceWindowSecs <= 0 {
		c.GraceWindowSecs = DefaultGraceWindowSecs
	}
}

// ResolveSocketURL returns the websocket endpoint, deriving it from
// BackendURL when not set explicitly.
func (c *Config) ResolveSocketURL() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	derived := c.BackendURL
	switch {
	case strings.HasPrefix(derived, "https://"):
		derived = "wss://" + strings.TrimPrefix(derived, "https://")
	case strings.HasPrefix(derived, "http://"):
		derived = "ws://" + strings.TrimPrefix(derived, "http://")
	}
	return strings.TrimSuffix(derived, "/") + DefaultSocketPath
}

// PollInterval is the active-conversation refresh interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// RequestTimeout bounds every request/response call to the backend.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// GraceWindow is the dedup tolerance for matching an unconfirmed local
// message to its server-confirmed counterpart.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowSecs) * time.Second
}

// Load reads config from the given path. Returns an error if the file
// is missing; callers fall back to defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
