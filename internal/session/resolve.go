package session

import "github.com/lavoro-hq/chatsync/internal/config"

// ResolveUser determines the current user id using precedence:
// 1. flagOverride (-user flag)
// 2. chat.toml default_user
// Empty means no user could be resolved; the caller decides how to fail.
func ResolveUser(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultUser != "" {
		return cfg.DefaultUser
	}
	return ""
}
