package daemon

import (
	"context"
	"path/filepath"

	"github.com/lavoro-hq/chatsync/internal/backend"
	"github.com/lavoro-hq/chatsync/internal/bus"
	"github.com/lavoro-hq/chatsync/internal/cache"
	"github.com/lavoro-hq/chatsync/internal/config"
	"github.com/lavoro-hq/chatsync/internal/directory"
	"github.com/lavoro-hq/chatsync/internal/engine"
	"github.com/lavoro-hq/chatsync/internal/lock"
	"github.com/lavoro-hq/chatsync/internal/logging"
	"github.com/lavoro-hq/chatsync/internal/repo"
	"github.com/lavoro-hq/chatsync/internal/session"
	"github.com/lavoro-hq/chatsync/internal/status"
	"github.com/lavoro-hq/chatsync/internal/timeline"
	"github.com/lavoro-hq/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	UserID string
	Config *config.Config
	// StateDir overrides the per-user state directory; empty = default.
	StateDir string
}

func (p Params) stateDir() string {
	if p.StateDir != "" {
		return filepath.Join(p.StateDir, p.UserID)
	}
	return session.Dir(p.UserID)
}

// Module returns the fx module for the chat daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideBackend,
			provideTransport,
			provideRepository,
			provideTimeline,
			provideDirectory,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath := session.LogPath(p.UserID)
	if p.StateDir != "" {
		logPath = filepath.Join(p.stateDir(), "logs", "chatsyncd.log")
	}
	return logging.New(logPath, p.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDirAt(p.stateDir()); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("user", p.UserID))
	l, err := lock.Acquire(p.stateDir())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := filepath.Join(p.stateDir(), "cache.db")
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(p Params, logger *zap.Logger) *backend.Client {
	return backend.New(p.Config.BackendURL,
		backend.WithTimeout(p.Config.RequestTimeout()),
		backend.WithLogger(logger),
	)
}

func provideTransport(p Params, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.New(p.Config.ResolveSocketURL(), b, logger)
}

func provideRepository(p Params, be *backend.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *repo.Repository {
	return repo.New(p.UserID, be, db, b, logger)
}

func provideTimeline(p Params) *timeline.Timeline {
	return timeline.New(p.Config.GraceWindow())
}

func provideDirectory(p Params, be *backend.Client, logger *zap.Logger) *directory.Directory {
	return directory.New(p.UserID, be, logger)
}

func provideEngine(p Params, be *backend.Client, tp *transport.Client, r *repo.Repository, tl *timeline.Timeline, db *cache.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(p.Config, p.UserID, be, tp, r, tl, db, machine, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, db *cache.DB, lk *lock.Lock, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return eng.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			if err := eng.Stop(); err != nil {
				logger.Warn("engine stop", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("cache close", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
