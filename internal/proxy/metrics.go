package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the proxy's Prometheus collectors. A fresh Metrics must
// be registered with exactly one registry (NewMetrics does this against
// the supplied registerer, typically prometheus.NewRegistry() per
// Proxy instance to keep tests free of global-registry collisions).
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	hitsTotal        prometheus.Counter
	missesTotal      prometheus.Counter
	bytesServedTotal prometheus.Counter
	timeoutsTotal    *prometheus.CounterVec
	initialWaitSecs  prometheus.Histogram
}

// NewMetrics constructs and registers the proxy's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelcached",
			Name:      "proxy_requests_total",
			Help:      "Requests served by the streaming proxy, labeled by method and range-vs-full.",
		}, []string{"method", "kind"}),
		hitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reelcached",
			Name:      "proxy_cache_hits_total",
			Help:      "Requests served entirely from already-downloaded bytes.",
		}),
		missesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reelcached",
			Name:      "proxy_cache_misses_total",
			Help:      "Requests that required waiting on an in-progress or not-yet-started download.",
		}),
		bytesServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reelcached",
			Name:      "proxy_bytes_served_total",
			Help:      "Total response body bytes served.",
		}),
		timeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelcached",
			Name:      "proxy_wait_timeouts_total",
			Help:      "Requests that gave up waiting for data, labeled by wait stage.",
		}, []string{"stage"}),
		initialWaitSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reelcached",
			Name:      "proxy_initial_wait_seconds",
			Help:      "Time spent waiting for initial playback data before the first byte was served.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requestsTotal, m.hitsTotal, m.missesTotal, m.bytesServedTotal, m.timeoutsTotal, m.initialWaitSecs)
	return m
}
