// Package app wires the live chat server runtime: config, logging, store, HTTP routes and the socket gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"leazr/cmd/internal/agentauth"
	"leazr/cmd/internal/httpapi"
	"leazr/cmd/internal/realtime"
	"leazr/cmd/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is the server runtime: it owns the store, the gateway and the HTTP handler.
type App struct {
	cfg Config
	log Logger

	store  store.Store
	pg     *store.PostgresStore // nil in memory mode
	dbPool *pgxpool.Pool

	hub     *realtime.Hub
	handler http.Handler
}

// New constructs a fully wired App from config. A nil log selects NewLogger(cfg.LogLevel, cfg.LogFormat).
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg.Agent, log)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.hub = realtime.NewHub(log, a.store, realtime.NewMetrics(reg))
	a.handler = routes{
		log:     log,
		cfg:     cfg,
		dbPool:  a.dbPool,
		reg:     reg,
		metrics: newHTTPMetrics(reg),
		ws:      realtime.NewWSGateway(log, a.hub, a.store, cfg.Gateway, verifier),
		api:     httpapi.NewHandler(log, a.store, cfg.API, verifier),
	}.handler()

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the store backing the API and gateway.
func (a *App) Store() store.Store { return a.store }

// Run serves HTTP on cfg.HTTPAddr until ctx ends or the server fails, then releases resources.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.Close()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 45*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.pg != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.pg != nil {
		g.Go(func() error { return a.pg.Listen(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Rooms end their subscriptions first so open sockets are not kept alive by the feed.
		a.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close releases the hub, store and pool. Safe to call more than once.
func (a *App) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	a.closeStore()
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.memory_store")
		a.store = store.NewMemoryStore(a.log)
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	if a.cfg.DBAutoMigrate {
		if err := store.ApplySchema(ctx, pool, a.cfg.DBSchema); err != nil {
			pool.Close()
			return err
		}
		a.log.Info("db.schema.applied", "schema", a.cfg.DBSchema)
	}

	// The app owns the pool; PostgresStore.Close only stops subscriptions.
	pg, err := store.NewPostgresStore(pool, store.WithSchema(a.cfg.DBSchema), store.WithLogger(a.log))
	if err != nil {
		pool.Close()
		return err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.store, a.pg, a.dbPool = pg, pg, pool
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// newVerifier returns nil when no agent key is configured; agent joins are then accepted unverified.
func newVerifier(cfg agentauth.Config, log Logger) (realtime.TokenVerifier, error) {
	if !cfg.Enabled() {
		log.Warn("agentauth.disabled", "hint", "set LIVECHAT_AGENT_PUBLIC_KEY_HEX to verify agent tokens")
		return nil, nil
	}
	v, err := agentauth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return v, nil
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
