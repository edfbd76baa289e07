// Package metrics exposes Prometheus counters for the dispatcher, payment
// processing and scheduled broadcasts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "haruko"

type Collector struct {
	messagesTotal    *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	relayDuration    *prometheus.HistogramVec
	chargeRacesTotal prometheus.Counter
	paymentsTotal    *prometheus.CounterVec
	pushesTotal      *prometheus.CounterVec
	taskRunsTotal    *prometheus.CounterVec
}

// New registers the collectors with reg, or the default registerer when reg
// is nil.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Inbound messages handled, by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entitlement_decisions_total",
				Help:      "Entitlement decisions, by reason.",
			},
			[]string{"reason"},
		),
		relayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Latency of upstream relay calls.",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
			[]string{"relay", "status"},
		),
		chargeRacesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charge_races_total",
				Help:      "Answers withheld because concurrent requests spent the credits first.",
			},
		),
		paymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payment notifications, by credit outcome.",
			},
			[]string{"outcome"},
		),
		pushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_pushes_total",
				Help:      "Scheduled pushes, by task and result.",
			},
			[]string{"task", "result"},
		),
		taskRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_task_runs_total",
				Help:      "Scheduled task runs, by task and result.",
			},
			[]string{"task", "result"},
		),
	}
}

// The methods below are nil-safe so components can run without metrics.

func (c *Collector) Message(action, outcome string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) Decision(reason string) {
	if c == nil {
		return
	}
	c.decisionsTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveRelay(relay string, start time.Time, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.relayDuration.WithLabelValues(relay, status).Observe(time.Since(start).Seconds())
}

func (c *Collector) ChargeRace() {
	if c == nil {
		return
	}
	c.chargeRacesTotal.Inc()
}

func (c *Collector) Payment(outcome string) {
	if c == nil {
		return
	}
	c.paymentsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) Push(task string, ok bool) {
	if c == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	c.pushesTotal.WithLabelValues(task, result).Inc()
}

func (c *Collector) TaskRun(task, result string) {
	if c == nil {
		return
	}
	c.taskRunsTotal.WithLabelValues(task, result).Inc()
}
