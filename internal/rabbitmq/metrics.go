package rabbitmq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publish outcomes used as the "outcome" label
const (
	OutcomeSuccess         = "success"
	OutcomeConnectionError = "connection_error"
	OutcomeChannelError    = "channel_error"
	OutcomePublishError    = "publish_error"
)

// Metrics holds the prometheus collectors for the publishing layer.
// A nil *Metrics records nothing.
type Metrics struct {
	connectionsCreated *prometheus.CounterVec
	connectionFailures prometheus.Counter
	channelsCreated    prometheus.Counter
	channelsEvicted    prometheus.Counter
	idleChannels       prometheus.Gauge
	connectionBlocked  prometheus.Gauge
	publishTotal       *prometheus.CounterVec
	publishDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statusnotify_connections_created_total",
				Help: "Number of broker connections opened.",
			},
			[]string{"client"},
		),
		connectionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "statusnotify_connection_failures_total",
				Help: "Number of failed attempts to open a broker connection.",
			},
		),
		channelsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "statusnotify_channels_created_total",
				Help: "Number of channels opened by the channel pool.",
			},
		),
		channelsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "statusnotify_channels_evicted_total",
				Help: "Number of closed channels dropped by the channel pool.",
			},
		),
		idleChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "statusnotify_pool_idle_channels",
				Help: "Number of idle channels currently held by the pool.",
			},
		),
		connectionBlocked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "statusnotify_connection_blocked",
				Help: "1 while the broker is throttling the connection.",
			},
		),
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statusnotify_publish_total",
				Help: "Number of publish calls by outcome.",
			},
			[]string{"outcome"},
		),
		publishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "statusnotify_publish_duration_seconds",
				Help:    "Time taken by a publish call, including connection and channel acquisition.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsCreated,
			m.connectionFailures,
			m.channelsCreated,
			m.channelsEvicted,
			m.idleChannels,
			m.connectionBlocked,
			m.publishTotal,
			m.publishDuration,
		)
	}
	return m
}

func (m *Metrics) connectionCreated(name string) {
	if m == nil {
		return
	}
	m.connectionsCreated.WithLabelValues(name).Inc()
	m.connectionBlocked.Set(0)
}

func (m *Metrics) connectionFailed() {
	if m == nil {
		return
	}
	m.connectionFailures.Inc()
}

func (m *Metrics) channelCreated() {
	if m == nil {
		return
	}
	m.channelsCreated.Inc()
}

func (m *Metrics) channelEvicted() {
	if m == nil {
		return
	}
	m.channelsEvicted.Inc()
}

func (m *Metrics) setIdle(n int) {
	if m == nil {
		return
	}
	m.idleChannels.Set(float64(n))
}

func (m *Metrics) published(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(outcome).Inc()
	m.publishDuration.Observe(took.Seconds())
}

// ConnectionShutdown implements Observer
func (m *Metrics) ConnectionShutdown(string, error) {
	if m == nil {
		return
	}
	m.connectionBlocked.Set(0)
}

// ConnectionBlocked implements Observer
func (m *Metrics) ConnectionBlocked(string, string) {
	if m == nil {
		return
	}
	m.connectionBlocked.Set(1)
}

// ConnectionUnblocked implements Observer
func (m *Metrics) ConnectionUnblocked(string) {
	if m == nil {
		return
	}
	m.connectionBlocked.Set(0)
}

// ChannelShutdown implements Observer
func (m *Metrics) ChannelShutdown(error) {}
