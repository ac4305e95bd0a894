// Package proxypool implements the C1 proxy pool: a refreshed snapshot of
// active proxies, random pick, and an independent health-probe loop.
// Grounded on proxy_manager.py's cache/TTL/random-pick/health-check shape and
// other_examples/fb70c993_drsoft-oss-proxyrotator's monitor.go bounded-
// concurrency probe loop (ticker, start-up delay, semaphore).
package proxypool

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
	"spread-engine/internal/store"
)

// Store is the subset of store.Store the pool depends on.
type Store interface {
	AllProxies(ctx context.Context) ([]models.ProxyEntry, error)
	SetProxyHealth(ctx context.Context, id int64, active bool, consecutiveFailCount int, lastUsedAt time.Time) error
}

var _ Store = (store.Store)(nil)

// Config tunes failure threshold and probe cadence.
type Config struct {
	FailureThreshold int
	CacheTTL         time.Duration
	ProbeInterval    time.Duration
	ProbeStartDelay  time.Duration
	ProbeTimeout     time.Duration
	ProbeConcurrency int
	CheckURL         string // IP-echo endpoint used by probe_all
}

// DefaultConfig mirrors spec.md §4.1/§5 defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CacheTTL:         60 * time.Second,
		ProbeInterval:    5 * time.Minute,
		ProbeStartDelay:  60 * time.Second,
		ProbeTimeout:     15 * time.Second,
		ProbeConcurrency: 10,
		CheckURL:         "https://ipinfo.io",
	}
}

// Pool holds the active-proxy snapshot and runs the background probe loop.
type Pool struct {
	store   Store
	cfg     Config
	metrics *metrics.Collectors

	mu            sync.RWMutex
	activeCache   []models.ProxyEntry
	cacheRefreshAt time.Time
	lastProbeAt   time.Time
	lastResults   map[int64]bool
}

// SetMetrics wires the shared collectors in; nil is safe and disables
// instrumentation (used by tests that construct a Pool directly).
func (p *Pool) SetMetrics(m *metrics.Collectors) {
	p.metrics = m
}

// New constructs a Pool. Call Prime before the first Pick in a fresh process
// so Pick is served from the cache; Pick itself reloads from the store once
// the snapshot is older than CacheTTL or ProbeAll has invalidated it.
func New(st Store, cfg Config) *Pool {
	return &Pool{store: st, cfg: cfg, lastResults: make(map[int64]bool)}
}

// Pick returns a uniformly random active proxy, or (nil, false) if the pool
// is empty — callers then fall back to a direct dial (spec.md §8 boundary).
func (p *Pool) Pick(ctx context.Context) (*models.ProxyEntry, bool) {
	p.mu.RLock()
	stale := p.cacheRefreshAt.IsZero() || time.Since(p.cacheRefreshAt) > p.cfg.CacheTTL
	snapshot := p.activeCache
	p.mu.RUnlock()

	if stale {
		if err := p.Prime(ctx); err != nil {
			log.Printf("proxypool: refresh failed, using stale cache: %v", err)
		}
		p.mu.RLock()
		snapshot = p.activeCache
		p.mu.RUnlock()
	}

	if len(snapshot) == 0 {
		return nil, false
	}
	chosen := snapshot[rand.Intn(len(snapshot))]
	return &chosen, true
}

// Prime forces a reload of the active-proxy snapshot from the store.
func (p *Pool) Prime(ctx context.Context) error {
	all, err := p.store.AllProxies(ctx)
	if err != nil {
		return fmt.Errorf("prime proxy pool: %w", err)
	}

	active := make([]models.ProxyEntry, 0, len(all))
	for _, pr := range all {
		if pr.Active {
			active = append(active, pr)
		}
	}

	p.mu.Lock()
	p.activeCache = active
	p.cacheRefreshAt = time.Now()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ActiveProxies.Set(float64(len(active)))
	}
	return nil
}

// ProbeAll performs one IP-echo request per proxy regardless of current
// active state, commits outcomes to the store, then invalidates the cache.
func (p *Pool) ProbeAll(ctx context.Context) error {
	all, err := p.store.AllProxies(ctx)
	if err != nil {
		return fmt.Errorf("probe_all list proxies: %w", err)
	}

	sem := make(chan struct{}, p.cfg.ProbeConcurrency)
	var wg sync.WaitGroup
	results := make(map[int64]bool, len(all))
	var resultsMu sync.Mutex

	for _, pr := range all {
		wg.Add(1)
		sem <- struct{}{}
		go func(pr models.ProxyEntry) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := p.probe(ctx, pr)

			resultsMu.Lock()
			results[pr.ID] = ok
			resultsMu.Unlock()

			now := time.Now()
			if ok {
				if err := p.store.SetProxyHealth(ctx, pr.ID, true, 0, now); err != nil {
					log.Printf("proxypool: commit health for proxy %d: %v", pr.ID, err)
				}
			} else {
				failCount := pr.ConsecutiveFailCount + 1
				active := failCount < p.cfg.FailureThreshold
				if err := p.store.SetProxyHealth(ctx, pr.ID, active, failCount, pr.LastUsedAt); err != nil {
					log.Printf("proxypool: commit health for proxy %d: %v", pr.ID, err)
				}
			}
		}(pr)
	}
	wg.Wait()

	p.mu.Lock()
	p.lastProbeAt = time.Now()
	p.lastResults = results
	p.cacheRefreshAt = time.Time{} // force next Pick to refresh
	p.mu.Unlock()

	return nil
}

func (p *Pool) probe(ctx context.Context, pr models.ProxyEntry) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	client, err := newHTTPClientFor(pr, p.cfg.ProbeTimeout)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.CheckURL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ProbeLoop runs ProbeAll every cfg.ProbeInterval, starting after
// cfg.ProbeStartDelay, until ctx is cancelled.
func (p *Pool) ProbeLoop(ctx context.Context) {
	select {
	case <-time.After(p.cfg.ProbeStartDelay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		if err := p.ProbeAll(ctx); err != nil {
			log.Printf("proxypool: probe_all failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// LastProbe returns the last probe's completion time and per-proxy result set.
func (p *Pool) LastProbe() (time.Time, map[int64]bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int64]bool, len(p.lastResults))
	for k, v := range p.lastResults {
		out[k] = v
	}
	return p.lastProbeAt, out
}

// NewHTTPClient returns an *http.Client routed through a freshly-picked
// proxy (or direct egress, per spec.md §8 boundary case, when the pool is
// empty) with the given per-call timeout.
func (p *Pool) NewHTTPClient(ctx context.Context, timeout time.Duration) (*http.Client, error) {
	pr, ok := p.Pick(ctx)
	if !ok {
		return &http.Client{Timeout: timeout}, nil
	}

	client, err := newHTTPClientFor(*pr, timeout)
	if err != nil {
		return nil, fmt.Errorf("build client for proxy %d: %w", pr.ID, err)
	}
	return client, nil
}

// newHTTPClientFor builds an *http.Client routed through pr's proxy endpoint
// ("user:pass@host:port" in pr.EndpointString), carrying any userinfo
// credentials for both proxy schemes. SOCKS5 dialing is grounded on
// carlosrabelo-karoo/core/internal/proxysocks (golang.org/x/net/proxy.FromURL,
// which reads the URL's userinfo itself). HTTP/HTTPS proxies use
// http.Transport's native Proxy field, which derives the Proxy-Authorization
// header from the same userinfo for both plain requests and CONNECT tunnels,
// rather than a hand-rolled dialer that would have to reimplement that.
func newHTTPClientFor(pr models.ProxyEntry, timeout time.Duration) (*http.Client, error) {
	scheme := strings.ToLower(pr.Scheme)
	if scheme == "" {
		scheme = "socks5"
	}

	target, err := url.Parse(fmt.Sprintf("%s://%s", scheme, pr.EndpointString))
	if err != nil {
		return nil, fmt.Errorf("parse proxy endpoint: %w", err)
	}

	switch scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(target, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer: %w", err)
		}
		return &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
			},
		}, nil
	case "http", "https":
		return &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(target)},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", scheme)
	}
}
