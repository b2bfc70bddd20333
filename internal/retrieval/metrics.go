package retrieval

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the lifecycle-scoped metrics registry for the engine. It is
// created once at wiring time and injected; there are no process-global
// counters.
type Metrics struct {
	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	degraded       prometheus.Counter
	partial        prometheus.Counter
	enrichMisses   prometheus.Counter
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrievald_searches_total",
			Help: "Search requests by outcome.",
		}, []string{"outcome"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retrievald_search_duration_seconds",
			Help:    "End-to-end search latency.",
			Buckets: prometheus.DefBuckets,
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrievald_embedding_degraded_total",
			Help: "Searches that fell back to the zero query vector.",
		}),
		partial: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrievald_partial_modalities_total",
			Help: "Searches where at least one modality fan-out failed.",
		}),
		enrichMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrievald_enrichment_misses_total",
			Help: "Vector hits dropped because their metadata join was missing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.searches, m.searchDuration, m.degraded, m.partial, m.enrichMisses)
	}
	return m
}

func (m *Metrics) observeSearch(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
	m.searchDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordDegraded() {
	if m != nil {
		m.degraded.Inc()
	}
}

func (m *Metrics) recordPartial() {
	if m != nil {
		m.partial.Inc()
	}
}

func (m *Metrics) recordEnrichMiss() {
	if m != nil {
		m.enrichMisses.Inc()
	}
}
