// Package metrics exposes the engine's Prometheus collectors (C11).
// Grounded on carlosrabelo-karoo/core/internal/metrics/prometheus.go's
// idempotent registration helper, which tolerates re-registration from
// tests/hot-reload by ignoring AlreadyRegisteredError.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spread_engine"

// Collectors bundles every metric the engine emits.
type Collectors struct {
	ActiveProxies      prometheus.Gauge
	CycleDuration      prometheus.Histogram
	Subscribers        prometheus.Gauge
	DexFetchErrors     *prometheus.CounterVec
	HistoryFlushRows   prometheus.Histogram
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ActiveProxies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_proxies",
			Help:      "Number of proxies currently marked active.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one scheduler cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of currently connected subscribers.",
		}),
		DexFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dex_fetch_errors_total",
			Help:      "Upstream fetch errors by DEX identifier and error kind.",
		}, []string{"dex", "kind"}),
		HistoryFlushRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_flush_rows",
			Help:      "Row count of each history flush batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
	}

	register(reg, c.ActiveProxies)
	register(reg, c.CycleDuration)
	register(reg, c.Subscribers)
	register(reg, c.DexFetchErrors)
	register(reg, c.HistoryFlushRows)

	return c
}

// register is idempotent: registering a collector whose descriptor is
// already registered (e.g. across repeated test construction) is ignored
// rather than causing a panic; the earlier collector stays the one reg
// exposes, and the new one is left unregistered.
func register(reg prometheus.Registerer, c prometheus.Collector) {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			panic(err)
		}
	}
}
