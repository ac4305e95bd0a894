// Package app owns the lifecycle of every component: it wires config,
// store, proxy pool, upstream clients, scheduler, fan-out hub, history
// buffer, and HTTP surface together, and runs them until the context is
// cancelled. Grounded on main.go's component-construction-then-goroutine-
// launch shape in the teacher's entrypoint.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"spread-engine/internal/config"
	"spread-engine/internal/fanout"
	"spread-engine/internal/history"
	"spread-engine/internal/httpapi"
	"spread-engine/internal/metrics"
	"spread-engine/internal/proxypool"
	"spread-engine/internal/scheduler"
	"spread-engine/internal/snapshot"
	"spread-engine/internal/store"
	"spread-engine/internal/upstream"
)

// App holds every long-lived component.
type App struct {
	cfg     *config.Config
	store   *store.Postgres
	pool    *proxypool.Pool
	hub     *fanout.Hub
	hist    *history.Buffer
	sched   *scheduler.Scheduler
	httpSrv *http.Server
}

// New constructs every component from cfg. Apart from the rate limiter's
// idle-entry cleanup loop, it starts no background task; Run starts them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	if cfg.SchemaPath != "" {
		if err := st.Migrate(cfg.SchemaPath); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	proxyCfg := proxypool.DefaultConfig()
	proxyCfg.FailureThreshold = cfg.ProxyFailureThreshold
	proxyCfg.CacheTTL = cfg.ProxyCacheTTL
	proxyCfg.ProbeInterval = cfg.ProxyProbeInterval
	proxyCfg.ProbeStartDelay = cfg.ProxyProbeStartDelay
	pool := proxypool.New(st, proxyCfg)

	clients := &upstream.Clients{
		Cex:  upstream.NewCexClient(pool),
		DexA: upstream.NewDexAClient(pool),
		DexB: upstream.NewDexBClient(pool),
		DexC: upstream.NewDexCClient(pool, upstream.MatchaIssuer{}),
	}

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	pool.SetMetrics(collectors)

	snap := snapshot.New()
	hub := fanout.New(snap)
	hub.SetMetrics(collectors)
	hist := history.New(st, cfg.HistoryFlushInterval, cfg.HistoryRetention, cfg.PruneInterval)
	hist.SetMetrics(collectors)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.PerTaskDeadline = cfg.PerTaskDeadline
	if cfg.WorkerPoolSize > 0 {
		schedCfg.WorkerPoolSize = cfg.WorkerPoolSize
	}
	sched := scheduler.New(st, clients, snap, hub, hist, schedCfg)
	sched.SetMetrics(collectors)

	limiter := httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(hub, limiter, reg).Handler(),
	}

	return &App{cfg: cfg, store: st, pool: pool, hub: hub, hist: hist, sched: sched, httpSrv: httpSrv}, nil
}

// Run starts every background task and blocks until ctx is cancelled or the
// HTTP server fails, then stops the background tasks, waits for them to
// return, and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.pool.Prime(ctx); err != nil {
		log.Printf("app: initial proxy prime failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.pool.ProbeLoop(ctx) }()
	go func() { defer wg.Done(); a.hist.Run(ctx) }()
	go func() { defer wg.Done(); a.sched.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("app: http server error: %v", err)
		}
	}

	cancel()
	wg.Wait()
	return a.Shutdown()
}

// Shutdown stops the HTTP server and fan-out hub cleanly, then releases the
// store connection pool.
func (a *App) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("app: http server shutdown: %v", err)
	}
	a.hub.Shutdown()
	a.store.Close()
	return nil
}
