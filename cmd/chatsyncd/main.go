package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lavoro-hq/chatsync/internal/config"
	"github.com/lavoro-hq/chatsync/internal/daemon"
	"github.com/lavoro-hq/chatsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	userFlag := flag.String("user", "", "user id (overrides config default)")
	configFlag := flag.String("config", "", "config file path (default ~/.lavoro/chat.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = session.ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}

	userID := session.ResolveUser(*userFlag)
	if userID == "" {
		userID = cfg.DefaultUser
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "error: no user id given and no default_user configured")
		os.Exit(1)
	}
	if err := session.ValidateUserID(userID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			UserID:   userID,
			Config:   cfg,
			StateDir: cfg.StateDir,
		}),
	)

	app.Run()
}
