package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
	"spread-engine/internal/proxypool"
	"spread-engine/internal/upstream"
)

type emptyProxyStore struct{}

func (emptyProxyStore) AllProxies(ctx context.Context) ([]models.ProxyEntry, error) {
	return nil, nil
}

func (emptyProxyStore) SetProxyHealth(ctx context.Context, id int64, active bool, consecutiveFailCount int, lastUsedAt time.Time) error {
	return nil
}

type fakeTokenStore struct {
	tokens []models.TokenConfig
}

func (f *fakeTokenStore) ActiveTokens(ctx context.Context) ([]models.TokenConfig, error) {
	return f.tokens, nil
}

type fakeSink struct {
	mu  sync.Mutex
	got []models.Observation
}

func (f *fakeSink) Deliver(obs models.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, obs)
}

type fakeHistory struct {
	mu   sync.Mutex
	obs []models.Observation
}

func (f *fakeHistory) Add(obs models.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, obs)
}

type fakeSnapshot struct {
	mu  sync.Mutex
	set map[string]models.Observation
}

func newFakeSnapshot() *fakeSnapshot {
	return &fakeSnapshot{set: make(map[string]models.Observation)}
}

func (f *fakeSnapshot) Set(obs models.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[obs.TokenName] = obs
}

func TestScheduler_RunCycleEmitsOneObservationPerToken(t *testing.T) {
	tokens := []models.TokenConfig{
		{Name: "BTC-USDT", Base: "BTC", Quote: "USDT"}, // no dex allow-list: produces empty Spreads
	}

	store := &fakeTokenStore{tokens: tokens}
	sink := &fakeSink{}
	hist := &fakeHistory{}
	snap := newFakeSnapshot()

	pool := proxypool.New(emptyProxyStore{}, proxypool.DefaultConfig()) // empty pool: CexClient.RefreshBatch falls back to a direct dial, which fails fast without network; the cycle still completes
	clients := &upstream.Clients{Cex: upstream.NewCexClient(pool)}

	sched := New(store, clients, snap, sink, hist, DefaultConfig())

	err := sched.runCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.got, 1)
	require.Equal(t, "BTC-USDT", sink.got[0].TokenName)
	require.Empty(t, sink.got[0].Spreads)
}

func TestScheduler_RunCycle_ObservesCycleDurationWhenMetricsSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	pool := proxypool.New(emptyProxyStore{}, proxypool.DefaultConfig())
	clients := &upstream.Clients{Cex: upstream.NewCexClient(pool)}
	sched := New(&fakeTokenStore{}, clients, newFakeSnapshot(), &fakeSink{}, &fakeHistory{}, DefaultConfig())
	sched.SetMetrics(m)

	require.NoError(t, sched.runCycle(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "spread_engine_cycle_duration_seconds" {
			found = true
			require.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	require.True(t, found, "cycle_duration_seconds histogram should have one observation")
}

func TestScheduler_RunTask_SkipsDisallowedDexes(t *testing.T) {
	pool := proxypool.New(emptyProxyStore{}, proxypool.DefaultConfig())
	clients := &upstream.Clients{Cex: upstream.NewCexClient(pool)}
	sched := New(&fakeTokenStore{}, clients, newFakeSnapshot(), &fakeSink{}, &fakeHistory{}, DefaultConfig())

	tok := models.TokenConfig{Name: "BTC-USDT", DexAllowList: nil}
	obs := sched.runTask(context.Background(), tok)

	require.Empty(t, obs.Spreads)
}
