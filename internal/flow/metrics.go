package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for outbound and dispatch counters.
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Metrics exposes Prometheus collectors for the conversation flow. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	inbound            *prometheus.CounterVec
	outbound           *prometheus.CounterVec
	dispatch           *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
}

// NewMetrics constructs the flow collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil). Registering twice reuses the existing
// collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadpipe",
			Name:      "inbound_messages_total",
			Help:      "Inbound lead messages by the conversation branch that handled them.",
		}, []string{"branch"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadpipe",
			Name:      "outbound_messages_total",
			Help:      "Outbound messages by kind and delivery outcome.",
		}, []string{"kind", "outcome"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadpipe",
			Name:      "dispatch_total",
			Help:      "Pending reminders and follow-ups removed by the dispatchers, by outcome.",
		}, []string{"kind", "outcome"}),
		completionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "leadpipe",
			Name:      "completion_duration_seconds",
			Help:      "Latency of completion service calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
	m.inbound = register(reg, m.inbound)
	m.outbound = register(reg, m.outbound)
	m.dispatch = register(reg, m.dispatch)
	m.completionDuration = register(reg, m.completionDuration)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) incInbound(branch string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(branch).Inc()
}

func (m *Metrics) incOutbound(kind string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSent
	if err != nil {
		outcome = OutcomeFailed
	}
	m.outbound.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) incDispatch(kind, outcome string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) observeCompletion(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.completionDuration.WithLabelValues(status).Observe(d.Seconds())
}
