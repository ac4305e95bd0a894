package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted [][]models.HistoryRow
	pruned   time.Time
}

func (f *fakeStore) InsertHistoryRows(ctx context.Context, rows []models.HistoryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rows)
	return nil
}

func (f *fakeStore) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = cutoff
	return 0, nil
}

func TestBuffer_AddThenFlushPersistsRows(t *testing.T) {
	fs := &fakeStore{}
	b := New(fs, time.Second, 48*time.Hour, time.Minute)

	b.Add(models.Observation{TokenName: "BTC-USDT", Spreads: map[string]models.DexQuote{"A": {Price: 100}}})
	require.NoError(t, b.Flush(context.Background()))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.inserted, 1)
	require.Len(t, fs.inserted[0], 1)
}

func TestBuffer_MostRecentObservationWinsEvenDroppingStaleDex(t *testing.T) {
	// A DEX that succeeded on an earlier observation within the same flush
	// window must not resurface at flush time if the later observation for
	// that token dropped it.
	fs := &fakeStore{}
	b := New(fs, time.Second, 48*time.Hour, time.Minute)

	b.Add(models.Observation{TokenName: "BTC-USDT", Spreads: map[string]models.DexQuote{
		"A": {Price: 100},
		"B": {Price: 101},
	}})
	b.Add(models.Observation{TokenName: "BTC-USDT", Spreads: map[string]models.DexQuote{
		"A": {Price: 105},
	}})
	require.NoError(t, b.Flush(context.Background()))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.inserted[0], 1)
	require.Equal(t, "A", fs.inserted[0][0].Dex)
	require.Equal(t, 105.0, fs.inserted[0][0].DexPrice)
}

func TestBuffer_Flush_ObservesRowCountWhenMetricsSet(t *testing.T) {
	fs := &fakeStore{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	b := New(fs, time.Second, 48*time.Hour, time.Minute)
	b.SetMetrics(m)

	b.Add(models.Observation{TokenName: "BTC-USDT", Spreads: map[string]models.DexQuote{"A": {Price: 100}}})
	b.Add(models.Observation{TokenName: "ETH-USDT", Spreads: map[string]models.DexQuote{"B": {Price: 200}}})
	require.NoError(t, b.Flush(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "spread_engine_history_flush_rows" {
			found = true
			require.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
			require.Equal(t, 2.0, f.GetMetric()[0].GetHistogram().GetSampleSum())
		}
	}
	require.True(t, found)
}

func TestBuffer_FlushWithNothingPendingIsNoop(t *testing.T) {
	fs := &fakeStore{}
	b := New(fs, time.Second, 48*time.Hour, time.Minute)

	require.NoError(t, b.Flush(context.Background()))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.inserted, 0)
}
