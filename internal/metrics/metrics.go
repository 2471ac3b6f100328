// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"replybot/internal/eventbus"
	"replybot/internal/notifier"
)

const namespace = "replybot"

type Metrics struct {
	reg *prometheus.Registry

	items          *prometheus.CounterVec
	publishLatency prometheus.Histogram
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	rateBlocked    *prometheus.CounterVec
	rateWarnings   *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	breakerTrans   *prometheus.CounterVec
	dlq            *prometheus.CounterVec
	notifications  *prometheus.CounterVec

	queuePending prometheus.Gauge
	dlqPending   prometheus.Gauge
	dlqExhausted prometheus.Gauge
}

// New builds a private registry with process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_total", Help: "Queue item outcomes by result.",
		}, []string{"result"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "publish_duration_seconds", Help: "Latency of successful publish calls.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_cycles_total", Help: "Worker cycles by stop reason.",
		}, []string{"stop"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "worker_cycle_duration_seconds", Help: "Wall time of a worker cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		rateBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_blocked_total", Help: "Cycles deferred by the rate limiter.",
		}, []string{"window"}),
		rateWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_warnings_total", Help: "Rate limit threshold crossings.",
		}, []string{"window"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state", Help: "Circuit state: 0 closed, 1 half_open, 2 open.",
		}, []string{"name"}),
		breakerTrans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_transitions_total", Help: "Circuit state transitions.",
		}, []string{"name", "to"}),
		dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlq_events_total", Help: "Dead letter events by kind.",
		}, []string{"event"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Operator alert deliveries by result and severity.",
		}, []string{"result", "severity"}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_pending", Help: "Approved items waiting to be published.",
		}),
		dlqPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dlq_pending", Help: "Dead letters awaiting retry.",
		}),
		dlqExhausted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dlq_exhausted", Help: "Dead letters that ran out of retries.",
		}),
	}
	reg.MustRegister(
		m.items, m.publishLatency, m.cycles, m.cycleDuration, m.rateBlocked, m.rateWarnings,
		m.breakerState, m.breakerTrans, m.dlq, m.notifications,
		m.queuePending, m.dlqPending, m.dlqExhausted,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SetBacklog updates the queue and dead letter gauges.
func (m *Metrics) SetBacklog(pending, dlqPending, dlqExhausted int) {
	m.queuePending.Set(float64(pending))
	m.dlqPending.Set(float64(dlqPending))
	m.dlqExhausted.Set(float64(dlqExhausted))
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe applies one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeItemPosted:
		m.items.WithLabelValues("posted").Inc()
		if d, ok := e.Data.(eventbus.ItemEvent); ok && d.Latency > 0 {
			m.publishLatency.Observe(d.Latency.Seconds())
		}
	case eventbus.TypeItemFailed:
		m.items.WithLabelValues("failed").Inc()
	case eventbus.TypeItemRecovered:
		n := 1
		if d, ok := e.Data.(eventbus.CycleEvent); ok && d.Recovered > 0 {
			n = d.Recovered
		}
		m.items.WithLabelValues("recovered").Add(float64(n))
	case eventbus.TypeCycleFinished:
		if d, ok := e.Data.(eventbus.CycleEvent); ok {
			stop := d.StopReason
			if stop == "" {
				stop = "complete"
			}
			m.cycles.WithLabelValues(stop).Inc()
			m.cycleDuration.Observe(d.Took.Seconds())
		}
	case eventbus.TypeRateLimited:
		if d, ok := e.Data.(eventbus.RateEvent); ok {
			m.rateBlocked.WithLabelValues(d.Window).Inc()
		}
	case eventbus.TypeRateWarning:
		if d, ok := e.Data.(eventbus.RateEvent); ok {
			m.rateWarnings.WithLabelValues(d.Window).Inc()
		}
	case eventbus.TypeBreakerState:
		if d, ok := e.Data.(eventbus.BreakerEvent); ok {
			m.breakerTrans.WithLabelValues(d.Name, d.To).Inc()
			m.breakerState.WithLabelValues(d.Name).Set(stateValue(d.To))
		}
	case eventbus.TypeDLQAdded:
		m.dlq.WithLabelValues("added").Inc()
	case eventbus.TypeDLQRetried:
		m.dlq.WithLabelValues("retried").Inc()
	case eventbus.TypeDLQExhausted:
		m.dlq.WithLabelValues("exhausted").Inc()
	case eventbus.TypeNotifySent, eventbus.TypeNotifyFailed, eventbus.TypeNotifyDropped:
		if d, ok := e.Data.(notifier.Event); ok {
			m.notifications.WithLabelValues(e.Type[len("notify."):], d.Severity).Inc()
		}
	}
}

func stateValue(s string) float64 {
	switch s {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
