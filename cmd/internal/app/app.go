// Package app wires the ConnectGlobal realtime server: config, logging, HTTP routes,
// the presence/delivery engine and its collaborators.
//
// It is intentionally small and deterministic to keep startup failures obvious.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/auth"
	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/notify"
	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// App is the server runtime: it owns the HTTP server, the realtime engine and
// the resources the engine's collaborators depend on.
type App struct {
	cfg Config
	log Logger

	store Store
	nc    *nats.Conn

	dbPool    *pgxpool.Pool
	dbEnabled bool

	engine   *realtime.Engine
	ws       *realtime.WSGateway
	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, authCfg auth.Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	stores, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, authCfg, log, stores.pool)
	if err != nil {
		_ = stores.Close(context.Background())
		return nil, err
	}

	notifier, nc, err := newNotifier(cfg, log)
	if err != nil {
		_ = stores.Close(context.Background())
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := realtime.NewEngine(log, stores.messages, stores.members,
		realtime.WithEngineConfig(cfg.Engine),
		realtime.WithNotifier(notifier),
		realtime.WithMetrics(realtime.NewMetrics(reg)),
	)
	ws := realtime.NewWSGateway(log, engine, verifier, cfg.Gateway)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     stores,
		nc:        nc,
		dbPool:    stores.pool,
		dbEnabled: stores.pool != nil,
		engine:    engine,
		ws:        ws,
		registry:  reg,
	}, nil
}

// Run starts the engine and the HTTP server and blocks until context cancellation
// or fatal server error.
func (a *App) Run(ctx context.Context) error {
	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()

	engineErr := make(chan error, 1)
	go func() { engineErr <- a.engine.Run(engineCtx) }()

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		engine:    a.engine,
		ws:        a.ws,
		gatherer:  a.registry,
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "nats_enabled", a.nc != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	case err := <-engineErr:
		a.log.Error("engine.fail", "err", err)
		runErr = fmt.Errorf("realtime engine exited: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Sessions disconnect through the engine, so it stops after the server.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	stopEngine()
	select {
	case <-a.engine.Done():
	case <-shutdownCtx.Done():
		a.log.Warn("engine.stop.timeout")
	}

	// Pushes started by the last sends still need the NATS connection.
	if err := a.engine.WaitNotifications(shutdownCtx); err != nil {
		a.log.Warn("notify.wait.timeout", "err", err)
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.log.Warn("nats.drain.fail", "err", err)
		}
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// stores bundles the message and membership collaborators and the pool they share.
type stores struct {
	pool     *pgxpool.Pool
	messages realtime.MessageStore
	members  realtime.MembershipStore
}

func (s stores) Close(_ context.Context) error {
	// The pool is owned here; PostgresStore.Close is a no-op.
	if s.messages != nil {
		_ = s.messages.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// newStores decides between Postgres-backed persistence and the in-memory dev store.
func newStores(ctx context.Context, cfg Config, log Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		mem := realtime.NewInMemoryStore()
		seeded, err := seedConversations(mem, cfg.DevConversations)
		if err != nil {
			return stores{}, err
		}
		log.Info("db.disabled.inmemory_store", "dev_conversations", seeded)
		return stores{messages: mem, members: mem}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	msgStore, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	members, err := realtime.NewPostgresMembershipStore(pool, realtime.WithMembershipSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return stores{}, err
	}

	return stores{pool: pool, messages: msgStore, members: members}, nil
}

// seedConversations parses "c1=alice,bob;c2=alice,carol" into the in-memory store.
func seedConversations(mem *realtime.InMemoryStore, raw string) (int, error) {
	n := 0
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, users, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return n, fmt.Errorf("CG_DEV_CONVERSATIONS: malformed entry %q", entry)
		}
		var participants []string
		for _, u := range strings.Split(users, ",") {
			if u = strings.TrimSpace(u); u != "" {
				participants = append(participants, u)
			}
		}
		if len(participants) < 2 {
			return n, fmt.Errorf("CG_DEV_CONVERSATIONS: conversation %q needs two participants", id)
		}
		mem.AddConversation(id, participants...)
		n++
	}
	return n, nil
}

// newVerifier builds the handshake authenticator. Account flags come from the
// users table when a DB is configured; otherwise only the token is checked.
func newVerifier(cfg Config, authCfg auth.Config, log Logger, pool *pgxpool.Pool) (*auth.Verifier, error) {
	parser, err := auth.NewTokenParser(authCfg)
	if err != nil {
		return nil, err
	}

	var users auth.UserDirectory
	if pool != nil {
		dir, err := auth.NewPostgresUserDirectory(pool, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		users = dir
	} else {
		log.Warn("auth.directory.disabled", "reason", "no database; account status is not checked")
	}
	return auth.NewVerifier(log, parser, users)
}

// newNotifier publishes offline notifications to NATS when configured and
// falls back to logging them.
func newNotifier(cfg Config, log Logger) (realtime.Notifier, *nats.Conn, error) {
	if strings.TrimSpace(cfg.NATSURL) == "" {
		log.Info("notify.log_only")
		return notify.NewLogNotifier(log), nil, nil
	}
	n, nc, err := notify.DialNATS(log, notify.NATSConfig{
		URL:           cfg.NATSURL,
		SubjectPrefix: cfg.NATSSubjectPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("notify.nats", "url", nc.ConnectedUrl(), "subject_prefix", cfg.NATSSubjectPrefix)
	return n, nc, nil
}
