package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	merged       prometheus.Counter
	duplicates   prometheus.Counter
	malformed    prometheus.Counter
	stalePages   prometheus.Counter
	pages        *prometheus.CounterVec
	resyncs      *prometheus.CounterVec
	fallbacks    prometheus.Counter
	readFailures prometheus.Counter
	connected    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "messages_merged_total",
			Help: "Live messages inserted into the active timeline.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "messages_duplicate_total",
			Help: "Live messages dropped because their id was already present.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "messages_malformed_total",
			Help: "Inbound messages dropped for missing required fields.",
		}),
		stalePages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "pages_discarded_total",
			Help: "History pages discarded because the subscription moved on.",
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "pages_applied_total",
			Help: "History pages applied to the timeline.",
		}, []string{"direction"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "resyncs_total",
			Help: "Full timeline resyncs issued.",
		}, []string{"reason"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "load_fallbacks_total",
			Help: "Initial loads that hit the fallback timeout or failed.",
		}),
		readFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync", Name: "read_mark_failures_total",
			Help: "Mark-as-read calls that failed after every retry.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync", Name: "connected",
			Help: "1 while the realtime connection is up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.merged, m.duplicates, m.malformed, m.stalePages,
			m.pages, m.resyncs, m.fallbacks, m.readFailures, m.connected)
	}
	return m
}

func (m *Metrics) incMerged() {
	if m != nil {
		m.merged.Inc()
	}
}

func (m *Metrics) incDuplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) addMalformed(n int) {
	if m != nil && n > 0 {
		m.malformed.Add(float64(n))
	}
}

func (m *Metrics) incStalePage() {
	if m != nil {
		m.stalePages.Inc()
	}
}

func (m *Metrics) incPage(dir PageDirection) {
	if m != nil {
		m.pages.WithLabelValues(string(dir)).Inc()
	}
}

func (m *Metrics) incResync(reason string) {
	if m != nil {
		m.resyncs.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incFallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) incReadFailure() {
	if m != nil {
		m.readFailures.Inc()
	}
}

func (m *Metrics) setConnection(s ConnectionState) {
	if m == nil {
		return
	}
	if s == StateConnected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
