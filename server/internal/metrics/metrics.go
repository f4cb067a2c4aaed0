package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tourneybus"

// Collector 汇总事件总线的运行指标。方法对 nil 接收者安全，便于测试中省略。
type Collector struct {
	published           *prometheus.CounterVec
	gaps                *prometheus.CounterVec
	delivered           *prometheus.CounterVec
	activeSubscriptions *prometheus.GaugeVec
	transitions         *prometheus.CounterVec
	rejected            *prometheus.CounterVec
	connections         prometheus.Gauge
}

// NewCollector 创建指标收集器。
func NewCollector() *Collector {
	return &Collector{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_published_total",
				Help:      "The number of events appended to division streams.",
			}, []string{"event_type"},
		),
		gaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gap_markers_total",
				Help:      "The number of gap markers sent to subscribers whose resume point fell outside the retention window.",
			}, []string{"event_type"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_delivered_total",
				Help:      "The number of records handed to subscribers.",
			}, []string{"event_type"},
		),
		activeSubscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_subscriptions",
				Help:      "The number of live subscriptions.",
			}, []string{"event_type"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "session_transitions_total",
				Help:      "The number of accepted judging session transitions.",
			}, []string{"transition"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "session_transitions_rejected_total",
				Help:      "The number of rejected judging session transitions.",
			}, []string{"transition", "reason"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "websocket_connections",
				Help:      "The number of open websocket connections.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.published.Describe(ch)
	c.gaps.Describe(ch)
	c.delivered.Describe(ch)
	c.activeSubscriptions.Describe(ch)
	c.transitions.Describe(ch)
	c.rejected.Describe(ch)
	c.connections.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.published.Collect(ch)
	c.gaps.Collect(ch)
	c.delivered.Collect(ch)
	c.activeSubscriptions.Collect(ch)
	c.transitions.Collect(ch)
	c.rejected.Collect(ch)
	c.connections.Collect(ch)
}

func (c *Collector) Published(eventType string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(eventType).Inc()
}

func (c *Collector) Gap(eventType string) {
	if c == nil {
		return
	}
	c.gaps.WithLabelValues(eventType).Inc()
}

func (c *Collector) Delivered(eventType string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.delivered.WithLabelValues(eventType).Add(float64(n))
}

func (c *Collector) SubscriptionOpened(eventType string) {
	if c == nil {
		return
	}
	c.activeSubscriptions.WithLabelValues(eventType).Inc()
}

func (c *Collector) SubscriptionClosed(eventType string) {
	if c == nil {
		return
	}
	c.activeSubscriptions.WithLabelValues(eventType).Dec()
}

func (c *Collector) Transition(name string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(name).Inc()
}

func (c *Collector) Rejected(name, reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(name, reason).Inc()
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}
