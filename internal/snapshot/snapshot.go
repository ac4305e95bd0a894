// Package snapshot holds the latest Observation per token (C8): one writer
// (the scheduler, after each completed fan-out) and many readers (the HTTP
// surface's initial_data frame, the fanout manager). Grounded on the
// teacher's PriceCache (market/price_cache.go) RWMutex-guarded map shape,
// generalized from a price history ring to a single latest-value table.
package snapshot

import (
	"sync"

	"spread-engine/internal/models"
)

// Table is a concurrency-safe token -> Observation map.
type Table struct {
	mu   sync.RWMutex
	data map[string]models.Observation
}

// New returns an empty Table.
func New() *Table {
	return &Table{data: make(map[string]models.Observation)}
}

// Set stores obs as the latest observation for its token.
func (t *Table) Set(obs models.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[obs.TokenName] = obs
}

// Get returns the latest observation for tokenName, if any.
func (t *Table) Get(tokenName string) (models.Observation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obs, ok := t.data[tokenName]
	return obs, ok
}

// All returns a snapshot copy of every token's latest observation, used to
// build the initial_data frame a newly-subscribed client receives.
func (t *Table) All() []models.Observation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Observation, 0, len(t.data))
	for _, obs := range t.data {
		out = append(out, obs)
	}
	return out
}
