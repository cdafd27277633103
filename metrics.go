package offline

import (
	"github.com/always-cache/offline-cache/queue"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics of the dispatcher and the sync coordinator.
// All metrics use the offline_ prefix. A nil *Metrics records nothing.
type Metrics struct {
	// RequestsTotal counts intercepted requests by strategy and outcome
	RequestsTotal *prometheus.CounterVec
	// QueuedTotal counts mutations written to the outbox
	QueuedTotal prometheus.Counter
	// CachePutFailuresTotal counts cache writes that failed
	CachePutFailuresTotal prometheus.Counter
	// DrainsTotal counts drain attempts by result ("complete", "incomplete", "error")
	DrainsTotal *prometheus.CounterVec
	// DeliveredTotal counts successful deliveries of queued mutations
	DeliveredTotal prometheus.Counter
	// Pending is the number of entries left in the outbox after the last drain
	Pending prometheus.Gauge
	// BackgroundDroppedTotal counts background tasks (refresh, revalidate, put) dropped at the concurrency limit
	BackgroundDroppedTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
// Panics if registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_requests_total",
				Help: "Total intercepted requests by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		QueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_queued_total",
				Help: "Total mutations queued for later delivery",
			},
		),
		CachePutFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_cache_put_failures_total",
				Help: "Total failed cache writes",
			},
		),
		DrainsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_drains_total",
				Help: "Total outbox drain attempts by result",
			},
			[]string{"result"},
		),
		DeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_delivered_total",
				Help: "Total successful deliveries of queued mutations",
			},
		),
		Pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "offline_queue_pending",
				Help: "Entries left in the outbox after the last drain attempt",
			},
		),
		BackgroundDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_background_dropped_total",
				Help: "Total background tasks dropped because too many were running",
			},
			[]string{"task"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.QueuedTotal,
		m.CachePutFailuresTotal,
		m.DrainsTotal,
		m.DeliveredTotal,
		m.Pending,
		m.BackgroundDroppedTotal,
	)
	return m
}

func (m *Metrics) request(strategy Strategy, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(strategy), outcome).Inc()
}

func (m *Metrics) queued() {
	if m == nil {
		return
	}
	m.QueuedTotal.Inc()
}

func (m *Metrics) putFailed() {
	if m == nil {
		return
	}
	m.CachePutFailuresTotal.Inc()
}

func (m *Metrics) backgroundDropped(task string) {
	if m == nil {
		return
	}
	m.BackgroundDroppedTotal.WithLabelValues(task).Inc()
}

func (m *Metrics) drained(result queue.DrainResult, err error) {
	if m == nil {
		return
	}
	m.DeliveredTotal.Add(float64(result.Delivered))
	switch {
	case err != nil:
		m.DrainsTotal.WithLabelValues("error").Inc()
		return
	case result.Complete():
		m.DrainsTotal.WithLabelValues("complete").Inc()
	default:
		m.DrainsTotal.WithLabelValues("incomplete").Inc()
	}
	m.Pending.Set(float64(result.Remaining))
}

// SetPending updates the pending entries gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}
