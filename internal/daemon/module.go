package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/api"
	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/config"
	"github.com/stitchline/convsync/internal/lock"
	"github.com/stitchline/convsync/internal/logging"
	"github.com/stitchline/convsync/internal/remote"
	"github.com/stitchline/convsync/internal/remote/httpapi"
	"github.com/stitchline/convsync/internal/remote/natsfeed"
	"github.com/stitchline/convsync/internal/remote/wsfeed"
	"github.com/stitchline/convsync/internal/scope"
	"github.com/stitchline/convsync/internal/search"
	"github.com/stitchline/convsync/internal/status"
	"github.com/stitchline/convsync/internal/store"
	intsync "github.com/stitchline/convsync/internal/sync"
	"github.com/stitchline/convsync/internal/wa"
)

// Params holds the resolved scope configuration passed to the fx module.
type Params struct {
	Scope      string
	SocketPath string // optional override for testing; empty = use default
	Config     *config.Config
}

// Remotes is the backend and push feed the engine talks to. Ingester is set
// only for the local backend, Bridge only when the WhatsApp bridge is enabled.
type Remotes struct {
	Backend  remote.Backend
	Source   remote.EventSource
	Ingester api.Ingester
	Bridge   *wa.Bridge
	closers  []io.Closer
}

// Close releases the remote resources in reverse order of creation.
func (r *Remotes) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Defaults()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideRemotes,
			provideEngine,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(scope.LogPath(p.Scope), p.Scope, p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := scope.EnsureDir(p.Scope); err != nil {
		return nil, err
	}
	logger.Info("acquiring scope lock", zap.String("scope", p.Scope))
	l, err := lock.Acquire(scope.Dir(p.Scope), p.Scope)
	if err != nil {
		return nil, err
	}
	logger.Info("scope lock acquired")
	return l, nil
}

// provideRemotes takes the lock so the database is never opened unlocked.
func provideRemotes(p Params, _ *lock.Lock, logger *zap.Logger) (*Remotes, error) {
	cfg := p.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Remotes{}

	switch cfg.Backend.Kind {
	case config.BackendLocal:
		local, err := openLocal(p.Scope, logger)
		if err != nil {
			return nil, err
		}
		r.Backend, r.Ingester = local.backend, local.backend
		r.Source = local.hub
		r.closers = append(r.closers, local)
		if cfg.WhatsApp.Enabled {
			waLogger := logger.Named("wa")
			handler := wa.NewHandler(p.Scope, local.backend, waLogger)
			bridge, err := wa.OpenBridge(context.Background(), scope.WhatsAppDBPath(p.Scope), handler, waLogger)
			if err != nil {
				_ = local.Close()
				return nil, err
			}
			r.Bridge = bridge
			r.closers = append(r.closers, bridge)
		}
	case config.BackendHTTP:
		r.Backend = httpapi.New(cfg.Backend.URL, cfg.Backend.Token, httpapi.WithTimeout(cfg.Backend.Timeout.Duration))
		logger.Info("using hosted backend", zap.String("url", cfg.Backend.URL))
	}

	switch cfg.Feed.Kind {
	case config.FeedWebSocket:
		r.Source = wsfeed.New(wsfeed.Config{
			URL:              cfg.Feed.URL,
			Token:            cfg.Backend.Token,
			SubscribeTimeout: cfg.Feed.SubscribeTimeout.Duration,
			Heartbeat:        cfg.Feed.Heartbeat.Duration,
		}, logger.Named("wsfeed"))
	case config.FeedNATS:
		r.Source = natsfeed.New(natsfeed.Config{
			URL:              cfg.Feed.URL,
			Token:            cfg.Backend.Token,
			SubjectPrefix:    cfg.Feed.SubjectPrefix,
			SubscribeTimeout: cfg.Feed.SubscribeTimeout.Duration,
		}, logger.Named("natsfeed"))
	}
	logger.Info("remotes ready",
		zap.String("backend", cfg.Backend.Kind),
		zap.String("feed", cfg.Feed.Kind),
	)
	return r, nil
}

type localRemote struct {
	db      *store.DB
	hub     *store.Hub
	backend *store.Backend
}

func openLocal(name string, logger *zap.Logger) (*localRemote, error) {
	dbPath := scope.DBPath(name)
	db, err := store.OpenMigrated(dbPath, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath))

	hub := store.NewHub(0, logger.Named("hub"))
	return &localRemote{
		db:      db,
		hub:     hub,
		backend: store.NewBackend(db, hub, nil, logger.Named("backend")),
	}, nil
}

func (l *localRemote) Close() error {
	l.hub.Close()
	return l.db.Close()
}

func provideEngine(p Params, r *Remotes, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	cfg := p.Config
	return intsync.NewEngine(intsync.Options{
		Backend: r.Backend,
		Source:  r.Source,
		Bus:     b,
		Logger:  logger.Named("engine"),
		Backoff: status.Backoff{Base: cfg.Backoff.Base.Duration, Cap: cfg.Backoff.Cap.Duration},
		Search: search.Config{
			Debounce:      cfg.Search.Debounce.Duration,
			IdentityLimit: cfg.Search.IdentityLimit,
			ContentLimit:  cfg.Search.ContentLimit,
			FetchLimit:    cfg.Search.FetchLimit,
		},
	})
}

func provideSyncService(engine *intsync.Engine, r *Remotes, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(engine, r.Ingester, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, r *Remotes, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Failures after this are retried by the supervisor.
			if err := engine.Subscribe(p.Scope); err != nil {
				return fmt.Errorf("subscribe %s: %w", p.Scope, err)
			}

			if r.Bridge != nil {
				go func() {
					err := r.Bridge.Connect()
					switch {
					case errors.Is(err, wa.ErrNotPaired):
						logger.Warn("whatsapp bridge not paired, run convsyncd -pair")
					case err != nil:
						logger.Error("whatsapp connect failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			engine.Close()
			if err := r.Close(); err != nil {
				logger.Warn("error closing remotes", zap.Error(err))
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
