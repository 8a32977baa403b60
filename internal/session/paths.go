package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.lavoro.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lavoro")
}

// Dir returns the chat state directory for a user.
func Dir(userID string) string {
	return filepath.Join(BaseDir(), "chat", userID)
}

// LockPath returns the lock file path for a user's state dir.
func LockPath(userID string) string {
	return filepath.Join(Dir(userID), "LOCK")
}

// CacheDBPath returns the local cache database path.
func CacheDBPath(userID string) string {
	return filepath.Join(Dir(userID), "cache.db")
}

// LogDir returns the log directory for a user.
func LogDir(userID string) string {
	return filepath.Join(Dir(userID), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(userID string) string {
	return filepath.Join(LogDir(userID), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "chat.toml")
}

// EnsureDir creates the state directory tree with proper permissions.
func EnsureDir(userID string) error {
	return EnsureDirAt(Dir(userID))
}

// EnsureDirAt creates the given state directory and its logs subdir.
func EnsureDirAt(dir string) error {
	for _, d := range []string{dir, filepath.Join(dir, "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
