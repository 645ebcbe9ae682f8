package daemon

import (
	"context"
	"fmt"

	"github.com/netzeal/chatsync/internal/auth"
	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/chat"
	"github.com/netzeal/chatsync/internal/config"
	"github.com/netzeal/chatsync/internal/conn"
	"github.com/netzeal/chatsync/internal/dispatch"
	"github.com/netzeal/chatsync/internal/httpapi"
	"github.com/netzeal/chatsync/internal/lock"
	"github.com/netzeal/chatsync/internal/logging"
	"github.com/netzeal/chatsync/internal/outbox"
	"github.com/netzeal/chatsync/internal/profile"
	"github.com/netzeal/chatsync/internal/rooms"
	"github.com/netzeal/chatsync/internal/status"
	"github.com/netzeal/chatsync/internal/store"
	chatsync "github.com/netzeal/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
	// NoAutoConnect keeps the daemon offline until a Connect call.
	NoAutoConnect bool
}

// SelfID is the authenticated user's id.
type SelfID int64

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTokens,
			provideSelfID,
			provideManager,
			provideTracker,
			provideQueue,
			provideEngine,
			provideReconciler,
			provideTyping,
			provideDispatcher,
			provideAPI,
			provideChat,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(profile.EnvPath(p.ProfileName)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the store is never opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideTokens(p Params, cfg *config.Config, logger *zap.Logger) *auth.Source {
	path := cfg.Server.TokenFile
	if path == "" {
		path = profile.TokenPath(p.ProfileName)
	}
	return &auth.Source{Static: cfg.Server.Token, Path: path, Logger: logger.Named("auth")}
}

// provideSelfID prefers the configured user id and falls back to the
// token's subject.
func provideSelfID(cfg *config.Config, tokens *auth.Source, logger *zap.Logger) SelfID {
	if cfg.Server.UserID != 0 {
		return SelfID(cfg.Server.UserID)
	}
	token, err := tokens.Token(context.Background())
	if err != nil || token == "" {
		logger.Warn("user id unknown until a token is configured")
		return 0
	}
	id, err := auth.UserID(token)
	if err != nil {
		logger.Warn("user id not derivable from token", zap.Error(err))
		return 0
	}
	return SelfID(id)
}

func provideManager(cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	e := cfg.Engine
	opts := conn.Options{
		BaseURL:           cfg.Server.BaseURL,
		ChatPath:          cfg.Server.ChatPath,
		ConnectTimeout:    e.ConnectTimeout.Duration,
		HeartbeatInterval: e.HeartbeatInterval.Duration,
		PongTimeout:       e.PongTimeout.Duration,
		Backoff: conn.Backoff{
			Initial:    e.BackoffInitial.Duration,
			Multiplier: e.BackoffMultiplier,
			Max:        e.BackoffMax.Duration,
		},
		MaxReconnectAttempts: e.MaxReconnectAttempts,
	}
	return conn.NewManager(opts, conn.NewWebsocketDialer(e.ConnectTimeout.Duration), machine, b, logger)
}

func provideTracker(m *conn.Manager, logger *zap.Logger) *rooms.Tracker {
	return rooms.NewTracker(m, logger)
}

func provideQueue(db *store.DB, m *conn.Manager, b *bus.Bus, self SelfID, cfg *config.Config, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, m, b, int64(self), cfg.Engine.MaxSendRetries, logger)
}

func provideEngine(db *store.DB, b *bus.Bus, self SelfID, logger *zap.Logger) *chatsync.Engine {
	return chatsync.NewEngine(db, b, int64(self), logger)
}

func provideReconciler(db *store.DB, engine *chatsync.Engine, m *conn.Manager, tracker *rooms.Tracker, b *bus.Bus, logger *zap.Logger) *chatsync.Reconciler {
	return chatsync.NewReconciler(db, engine, m, tracker, b, logger)
}

func provideTyping(b *bus.Bus, cfg *config.Config) *dispatch.TypingTracker {
	return dispatch.NewTypingTracker(b, cfg.Engine.TypingExpiry.Duration)
}

func provideDispatcher(db *store.DB, engine *chatsync.Engine, queue *outbox.Queue, reconciler *chatsync.Reconciler, tracker *rooms.Tracker, typing *dispatch.TypingTracker, b *bus.Bus, self SelfID, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Deps{
		Ingester:  engine,
		Confirmer: queue,
		Sync:      reconciler,
		Rooms:     tracker,
		Receipts:  db,
		Typing:    typing,
		Bus:       b,
		SelfID:    int64(self),
	}, logger)
}

func provideAPI(cfg *config.Config, tokens *auth.Source, logger *zap.Logger) *httpapi.Client {
	return httpapi.New(cfg.Server.BaseURL, cfg.Server.APIPrefix, cfg.Engine.HTTPTimeout.Duration, tokens, logger)
}

func provideChat(db *store.DB, m *conn.Manager, tokens *auth.Source, tracker *rooms.Tracker, queue *outbox.Queue, engine *chatsync.Engine, reconciler *chatsync.Reconciler, typing *dispatch.TypingTracker, api *httpapi.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *chat.Service {
	return chat.New(chat.Deps{
		DB:         db,
		Conn:       m,
		Tokens:     tokens,
		Rooms:      tracker,
		Queue:      queue,
		Engine:     engine,
		Reconciler: reconciler,
		Typing:     typing,
		API:        api,
		Bus:        b,
	}, chat.Options{
		ConversationTTL: cfg.Engine.ConversationTTL.Duration,
		PageSize:        cfg.Engine.CachedPageSize,
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, db *store.DB, m *conn.Manager, d *dispatch.Dispatcher, queue *outbox.Queue, tracker *rooms.Tracker, reconciler *chatsync.Reconciler, typing *dispatch.TypingTracker, svc *chat.Service, api *httpapi.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			m.SetHandler(d)
			m.SetConnectedHooks(conn.ConnectedHooks{
				Flush:       queue.Flush,
				AssertRooms: tracker.Assert,
				Reconcile:   reconciler.Reconcile,
			})
			m.Start()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if p.NoAutoConnect {
				return nil
			}
			go func() {
				if err := svc.Connect(context.Background()); err != nil {
					logger.Info("not connecting on startup", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			m.Close()
			typing.Reset()
			if err := api.Close(); err != nil {
				logger.Warn("error closing http client", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
