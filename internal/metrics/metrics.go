package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "connector"

// Metrics holds the collectors of the pool and the query stores.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	poolEntries   prometheus.Gauge
	poolCreated   prometheus.Counter
	poolEvicted   *prometheus.CounterVec
	poolFallbacks prometheus.Counter

	queryFetches   *prometheus.CounterVec
	queryCoalesced prometheus.Counter
	queryStores    prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		poolEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "entries",
			Help:      "Live endpoint handles held by the pool.",
		}),
		poolCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "created_total",
			Help:      "Endpoint handles created.",
		}),
		poolEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evicted_total",
			Help:      "Endpoint handles closed, by reason.",
		}, []string{"reason"}),
		poolFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "fallback_total",
			Help:      "Acquires served by sharing another key's handle at capacity.",
		}),
		queryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "fetches_total",
			Help:      "Query fetches, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		queryCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "coalesced_total",
			Help:      "Refresh calls joined to an in-flight fetch.",
		}),
		queryStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "stores",
			Help:      "Live query stores in the registry.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.poolEntries, m.poolCreated, m.poolEvicted, m.poolFallbacks,
		m.queryFetches, m.queryCoalesced, m.queryStores,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Eviction reasons.
const (
	EvictIdle     = "idle"
	EvictCapacity = "capacity"
	EvictCleanup  = "cleanup"
)

func (m *Metrics) PoolEntries(n int) {
	if m == nil {
		return
	}
	m.poolEntries.Set(float64(n))
}

func (m *Metrics) PoolCreated() {
	if m == nil {
		return
	}
	m.poolCreated.Inc()
}

func (m *Metrics) PoolEvicted(reason string) {
	if m == nil {
		return
	}
	m.poolEvicted.WithLabelValues(reason).Inc()
}

func (m *Metrics) PoolFallback() {
	if m == nil {
		return
	}
	m.poolFallbacks.Inc()
}

// QueryFetch counts one completed fetch. outcome is "success" or "error".
func (m *Metrics) QueryFetch(kind, outcome string) {
	if m == nil {
		return
	}
	m.queryFetches.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) QueryCoalesced() {
	if m == nil {
		return
	}
	m.queryCoalesced.Inc()
}

func (m *Metrics) QueryStores(n int) {
	if m == nil {
		return
	}
	m.queryStores.Set(float64(n))
}
