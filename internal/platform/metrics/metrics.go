package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus metrics. Every method is safe on a
// nil receiver so components can run without instrumentation in tests.
type Metrics struct {
	CommandsApplied   *prometheus.CounterVec
	EventsEmitted     *prometheus.CounterVec
	GateDuration      prometheus.Histogram
	GateRetries       prometheus.Counter
	TickDuration      prometheus.Histogram
	TickGroups        prometheus.Histogram
	QueueDepth        prometheus.Gauge
	DuplicatesDropped prometheus.Counter
	OutboxPending     prometheus.Gauge
	EntityCount       *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics on the default registry.
// Call it once per process.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics on reg instead of the default
// registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idgraph_commands_total",
			Help: "Commands processed by kind and outcome code",
		}, []string{"kind", "outcome"}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idgraph_events_emitted_total",
			Help: "Events emitted after commit, by type",
		}, []string{"type"}),
		GateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idgraph_gate_duration_seconds",
			Help:    "Duration of aggregate gate executions including lock waits",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
		}),
		GateRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "idgraph_gate_retries_total",
			Help: "Gate attempts restarted because the aggregate scope grew under lock",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idgraph_tick_duration_seconds",
			Help:    "Duration of a full scheduler tick",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		TickGroups: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idgraph_tick_groups",
			Help:    "Disjoint aggregate groups executed per tick",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idgraph_command_queue_depth",
			Help: "Commands waiting for the next tick",
		}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "idgraph_inbox_duplicates_total",
			Help: "Inbound messages absorbed as duplicates",
		}),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idgraph_outbox_pending",
			Help: "Outbox rows not yet relayed",
		}),
		EntityCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idgraph_entities",
			Help: "Entities held in the store by table",
		}, []string{"table"}),
	}
}

func (m *Metrics) IncrementCommand(kind, outcome string) {
	if m != nil {
		m.CommandsApplied.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) IncrementEvent(eventType string) {
	if m != nil {
		m.EventsEmitted.WithLabelValues(eventType).Inc()
	}
}

// ObserveGate records a gate execution. Call with time.Now() taken before
// lock acquisition.
func (m *Metrics) ObserveGate(start time.Time) {
	if m != nil {
		m.GateDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) IncrementGateRetry() {
	if m != nil {
		m.GateRetries.Inc()
	}
}

func (m *Metrics) ObserveTick(start time.Time, groups int) {
	if m != nil {
		m.TickDuration.Observe(time.Since(start).Seconds())
		m.TickGroups.Observe(float64(groups))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) IncrementDuplicate() {
	if m != nil {
		m.DuplicatesDropped.Inc()
	}
}

func (m *Metrics) SetOutboxPending(n int) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

func (m *Metrics) SetEntityCounts(identities, relationships, workflows int) {
	if m != nil {
		m.EntityCount.WithLabelValues("identities").Set(float64(identities))
		m.EntityCount.WithLabelValues("relationships").Set(float64(relationships))
		m.EntityCount.WithLabelValues("workflows").Set(float64(workflows))
	}
}
