// Package scheduler runs the continuous per-cycle fan-out loop (C5):
// load active tokens, prime the CEX batch, then dispatch one bounded task
// per token, streaming each completed Observation into the snapshot table,
// the fan-out hub, and the history buffer. Grounded on worker.py's main
// loop shape (no inter-cycle sleep, backoff only on error, streaming
// completions) realized with a semaphore-bounded pool and
// golang.org/x/sync/errgroup for the per-token DEX fan-out, per
// SPEC_FULL.md §5.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
	"spread-engine/internal/spread"
	"spread-engine/internal/upstream"
)

// Store is the subset of store.Store the scheduler depends on.
type Store interface {
	ActiveTokens(ctx context.Context) ([]models.TokenConfig, error)
}

// Sink receives each completed Observation, in per-token completion order.
type Sink interface {
	Deliver(obs models.Observation)
}

// HistoryBuffer receives each completed Observation for buffered persistence.
type HistoryBuffer interface {
	Add(obs models.Observation)
}

// Snapshot holds the latest Observation per token.
type Snapshot interface {
	Set(obs models.Observation)
}

// Config tunes pool size, per-task deadline, and error backoff.
type Config struct {
	WorkerPoolSize  int
	PerTaskDeadline time.Duration
	ErrorBackoff    time.Duration
}

// DefaultConfig mirrors spec.md §4.5/§5 defaults.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:  50,
		PerTaskDeadline: 15 * time.Second,
		ErrorBackoff:    time.Second,
	}
}

// Scheduler owns the hot loop. Retention pruning (spec.md §4.5 step 5) is
// driven by history.Buffer's own ticker rather than the scheduler, since C7
// already owns a prune cadence independent of cycle timing.
type Scheduler struct {
	store   Store
	clients *upstream.Clients
	sink    Sink
	history HistoryBuffer
	snap    Snapshot
	cfg     Config
	metrics *metrics.Collectors
}

// New constructs a Scheduler.
func New(st Store, clients *upstream.Clients, snap Snapshot, sink Sink, history HistoryBuffer, cfg Config) *Scheduler {
	return &Scheduler{store: st, clients: clients, sink: sink, history: history, snap: snap, cfg: cfg}
}

// SetMetrics wires the shared collectors in; nil is safe and disables
// instrumentation (used by tests that construct a Scheduler directly).
func (s *Scheduler) SetMetrics(m *metrics.Collectors) {
	s.metrics = m
}

// Run drives the continuous loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.runCycle(ctx); err != nil {
			log.Printf("scheduler: cycle failed: %v", err)
			select {
			case <-time.After(s.cfg.ErrorBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()
	}

	tokens, err := s.store.ActiveTokens(ctx)
	if err != nil {
		return err
	}

	if cerr := s.clients.Cex.RefreshBatch(ctx); cerr != nil {
		log.Printf("scheduler: cex batch refresh failed: %v", cerr)
	}
	if cerr := s.clients.Cex.RefreshContracts(ctx); cerr != nil {
		log.Printf("scheduler: cex contracts refresh failed: %v", cerr)
	}

	sem := make(chan struct{}, s.cfg.WorkerPoolSize)
	var wg sync.WaitGroup

	for _, tok := range tokens {
		wg.Add(1)
		sem <- struct{}{}
		go func(tok models.TokenConfig) {
			defer wg.Done()
			defer func() { <-sem }()

			obs := s.runTask(ctx, tok)
			s.snap.Set(obs)
			s.sink.Deliver(obs)
			s.history.Add(obs)
		}(tok)
	}
	wg.Wait()
	return nil
}

// runTask fans a single token out to every allowed DEX plus the primed CEX
// cache, waits for completion with a per-task deadline, and folds whatever
// completed successfully into one Observation (partial results allowed).
func (s *Scheduler) runTask(ctx context.Context, tok models.TokenConfig) models.Observation {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.PerTaskDeadline)
	defer cancel()

	symbol := upstream.Symbol(tok)
	cexBidPtr, cexAskPtr, haveCex := s.clients.Cex.Quote(symbol)

	obs := models.Observation{TokenName: tok.Name, Timestamp: time.Now(), Spreads: make(map[string]models.DexQuote)}
	if haveCex {
		obs.CexBid, obs.CexAsk = cexBidPtr, cexAskPtr
		if notional, ok := s.clients.Cex.MinOrderNotional(symbol, spread.Mid(cexBidPtr, cexAskPtr)); ok {
			obs.CexMinOrderNotional = &notional
		}
	}

	mid := spread.Mid(cexBidPtr, cexAskPtr)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(taskCtx)
	for _, dex := range []string{"A", "B", "C"} {
		if !tok.HasDex(dex) {
			continue
		}
		dex := dex
		g.Go(func() error {
			price, _, uerr := s.clients.FetchDex(gctx, tok, dex, mid)
			if uerr != nil {
				log.Printf("scheduler: %s dex %s fetch failed: %v", tok.Name, dex, uerr)
				if s.metrics != nil {
					s.metrics.DexFetchErrors.WithLabelValues(dex, uerr.Kind.String()).Inc()
				}
				return nil // partial results allowed; don't fail the whole task
			}
			q := spread.Quote(price, cexBidPtr, cexAskPtr)
			mu.Lock()
			obs.Spreads[dex] = q
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return obs
}
