package daemon

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/bazaar/internal/api"
	"github.com/matheus3301/bazaar/internal/bus"
	"github.com/matheus3301/bazaar/internal/config"
	"github.com/matheus3301/bazaar/internal/lock"
	"github.com/matheus3301/bazaar/internal/logging"
	"github.com/matheus3301/bazaar/internal/netstate"
	"github.com/matheus3301/bazaar/internal/notify"
	"github.com/matheus3301/bazaar/internal/outbox"
	"github.com/matheus3301/bazaar/internal/remote"
	"github.com/matheus3301/bazaar/internal/remote/remotetest"
	"github.com/matheus3301/bazaar/internal/session"
	"github.com/matheus3301/bazaar/internal/store"
	intsync "github.com/matheus3301/bazaar/internal/sync"
	"github.com/matheus3301/bazaar/internal/worker"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Emulate     bool   // serve an in-memory remote store on loopback
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideNetState,
			provideLock,
			provideStore,
			provideRemote,
			provideDirectory,
			providePool,
			provideDispatcher,
			provideEngine,
			provideProbe,
			provideService,
			NewServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadAll(session.ConfigPath(), session.EnvPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(!p.Emulate); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideNetState(b *bus.Bus) *netstate.Machine {
	return netstate.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), "user "+strconv.FormatInt(cfg.User.ID, 10))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	baseURL := cfg.Remote.BaseURL
	if p.Emulate {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("listen emulator: %w", err)
		}
		emu := remotetest.New()
		baseURL = emu.Serve(ln)
		lc.Append(fx.Hook{OnStop: emu.Shutdown})
		logger.Info("serving emulated remote store", zap.String("url", baseURL))
	}
	return remote.New(baseURL,
		remote.WithToken(cfg.Remote.Token),
		remote.WithTimeout(cfg.Remote.Timeout.Duration),
		remote.WithLogger(logger.Named("remote")),
	), nil
}

func provideDirectory(c *remote.Client) *remote.Directory {
	return remote.NewDirectory(c)
}

func providePool(cfg *config.Config, logger *zap.Logger) *worker.Pool {
	return worker.NewPool(cfg.Sync.RemoteWorkers, logger.Named("worker"))
}

func provideDispatcher(b *bus.Bus, logger *zap.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(b, logger.Named("notify"))
}

func provideEngine(db *store.DB, c *remote.Client, dir *remote.Directory, m *netstate.Machine, pool *worker.Pool, d *notify.Dispatcher, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, c, dir, m, pool, d, intsync.Options{
		Self:         outbox.Identity{ID: cfg.User.ID, Name: cfg.User.Name},
		PollInterval: cfg.Sync.PollInterval.Duration,
	}, logger.Named("sync"))
}

func provideProbe(m *netstate.Machine, c *remote.Client, cfg *config.Config, logger *zap.Logger) *netstate.Probe {
	return netstate.NewProbe(m, c, cfg.Sync.ProbeInterval.Duration, logger.Named("netstate"))
}

func provideService(p Params, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(engine, b, p.SessionName, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, machine *netstate.Machine, probe *netstate.Probe, logger *zap.Logger) {
	var removeListener func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			removeListener = engine.AddListener(notify.Funcs{
				OnError: func(err error) { logger.Warn("sync error", zap.Error(err)) },
			})

			machine.OnChange(func(c netstate.StatusChange) {
				logger.Info("remote reachability changed", zap.String("from", string(c.From)), zap.String("to", string(c.To)))
				if c.Restored() {
					engine.TriggerSweep()
				}
			})
			probe.Start()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Push whatever a previous run left pending.
			engine.TriggerSweep()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			probe.Stop()
			if removeListener != nil {
				removeListener()
			}
			if err := engine.Close(ctx); err != nil {
				logger.Warn("engine shutdown incomplete", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
