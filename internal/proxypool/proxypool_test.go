package proxypool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	proxies []models.ProxyEntry
}

func (f *fakeStore) AllProxies(ctx context.Context) ([]models.ProxyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ProxyEntry, len(f.proxies))
	copy(out, f.proxies)
	return out, nil
}

func (f *fakeStore) SetProxyHealth(ctx context.Context, id int64, active bool, consecutiveFailCount int, lastUsedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.proxies {
		if f.proxies[i].ID == id {
			f.proxies[i].Active = active
			f.proxies[i].ConsecutiveFailCount = consecutiveFailCount
			f.proxies[i].LastUsedAt = lastUsedAt
		}
	}
	return nil
}

func TestPool_PickReturnsFalseWhenEmpty(t *testing.T) {
	fs := &fakeStore{}
	p := New(fs, DefaultConfig())

	_, ok := p.Pick(context.Background())
	require.False(t, ok)
}

func TestPool_PrimeThenPickOnlyReturnsActive(t *testing.T) {
	fs := &fakeStore{proxies: []models.ProxyEntry{
		{ID: 1, EndpointString: "u:p@host1:1080", Scheme: "socks5", Active: true},
		{ID: 2, EndpointString: "u:p@host2:1080", Scheme: "socks5", Active: false},
	}}
	p := New(fs, DefaultConfig())
	require.NoError(t, p.Prime(context.Background()))

	pr, ok := p.Pick(context.Background())
	require.True(t, ok)
	require.Equal(t, int64(1), pr.ID)
}

func TestPool_Prime_SetsActiveProxiesGaugeWhenMetricsSet(t *testing.T) {
	fs := &fakeStore{proxies: []models.ProxyEntry{
		{ID: 1, EndpointString: "u:p@host1:1080", Scheme: "socks5", Active: true},
		{ID: 2, EndpointString: "u:p@host2:1080", Scheme: "socks5", Active: false},
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p := New(fs, DefaultConfig())
	p.SetMetrics(m)
	require.NoError(t, p.Prime(context.Background()))

	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveProxies))
}

func TestPool_ProbeAllDeactivatesAtThreshold(t *testing.T) {
	fs := &fakeStore{proxies: []models.ProxyEntry{
		{ID: 1, EndpointString: "u:p@unreachable.invalid:1", Scheme: "socks5", Active: true, ConsecutiveFailCount: 4},
	}}
	cfg := DefaultConfig()
	cfg.FailureThreshold = 5
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.CheckURL = "http://127.0.0.1:1" // nothing listens; dial/connect fails fast
	p := New(fs, cfg)

	require.NoError(t, p.ProbeAll(context.Background()))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, 5, fs.proxies[0].ConsecutiveFailCount)
	require.False(t, fs.proxies[0].Active)
}

func TestPool_ProbeAllResetsOnSuccessBeforeThreshold(t *testing.T) {
	// S4: a proxy that fails four times then succeeds on the fifth probe stays active.
	// The local server acts as the HTTP proxy and answers every proxied request with 200.
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxySrv.Close()

	fs := &fakeStore{proxies: []models.ProxyEntry{
		{ID: 1, EndpointString: strings.TrimPrefix(proxySrv.URL, "http://"), Scheme: "http", Active: true, ConsecutiveFailCount: 4},
	}}
	cfg := DefaultConfig()
	cfg.CheckURL = "http://probe.invalid/"
	p := New(fs, cfg)

	require.NoError(t, p.ProbeAll(context.Background()))
	_, results := p.LastProbe()
	require.True(t, results[1])

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, 0, fs.proxies[0].ConsecutiveFailCount)
	require.True(t, fs.proxies[0].Active)
}
