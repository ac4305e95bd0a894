// Package history buffers HistoryRow writes and flushes them in bulk on a
// timer (C7), and separately prunes rows older than the retention window.
// Grounded on the teacher's periodic-flush goroutine shape in
// repository/postgres.go's SaveBatch caller and websocket.go's ticker-driven
// background loop.
package history

import (
	"context"
	"log"
	"sync"
	"time"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
)

// Store is the subset of store.Store the buffer depends on.
type Store interface {
	InsertHistoryRows(ctx context.Context, rows []models.HistoryRow) error
	PruneHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Buffer accumulates the most-recent Observation per token between flushes
// — "most recent wins" semantics, per spec.md §4.7: if a token observes
// twice within one 5s window, the entire earlier Observation is discarded,
// including any DEX block that earlier cycle had but the later one dropped.
// Rows are expanded from the buffered Observation only at flush time, so a
// DEX that failed on the latest cycle never resurfaces a stale row for it.
type Buffer struct {
	store         Store
	flushInterval time.Duration
	retention     time.Duration
	pruneInterval time.Duration
	metrics       *metrics.Collectors

	mu      sync.Mutex
	pending map[string]models.Observation
}

// SetMetrics wires the shared collectors in; nil is safe and disables
// instrumentation (used by tests that construct a Buffer directly).
func (b *Buffer) SetMetrics(m *metrics.Collectors) {
	b.metrics = m
}

// New constructs a Buffer. Call Run in its own goroutine to start the
// background flush/prune loops.
func New(st Store, flushInterval, retention, pruneInterval time.Duration) *Buffer {
	return &Buffer{
		store:         st,
		flushInterval: flushInterval,
		retention:     retention,
		pruneInterval: pruneInterval,
		pending:       make(map[string]models.Observation),
	}
}

// Add stages obs for the next flush, overwriting any not-yet-flushed
// Observation for the same token in full.
func (b *Buffer) Add(obs models.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[obs.TokenName] = obs
}

// Flush drains every currently-buffered Observation, expands each into its
// per-DEX rows, and persists them.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	var rows []models.HistoryRow
	for _, obs := range b.pending {
		rows = append(rows, obs.ToHistoryRows()...)
	}
	b.pending = make(map[string]models.Observation)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.HistoryFlushRows.Observe(float64(len(rows)))
	}
	return b.store.InsertHistoryRows(ctx, rows)
}

// Run drives the periodic flush and prune loops until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	flushTicker := time.NewTicker(b.flushInterval)
	defer flushTicker.Stop()
	pruneTicker := time.NewTicker(b.pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			if err := b.Flush(ctx); err != nil {
				log.Printf("history: flush failed: %v", err)
			}
		case <-pruneTicker.C:
			cutoff := time.Now().Add(-b.retention)
			if n, err := b.store.PruneHistory(ctx, cutoff); err != nil {
				log.Printf("history: prune failed: %v", err)
			} else if n > 0 {
				log.Printf("history: pruned %d rows older than %s", n, cutoff.Format(time.RFC3339))
			}
		case <-ctx.Done():
			if err := b.Flush(context.Background()); err != nil {
				log.Printf("history: final flush failed: %v", err)
			}
			return
		}
	}
}
