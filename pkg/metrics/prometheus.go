package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusConfig Prometheus 指标配置
type PrometheusConfig struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	Buckets     []float64
	Registry    prometheus.Registerer
}

// PrometheusOption 配置选项
type PrometheusOption func(*PrometheusConfig)

func WithNamespace(namespace string) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Namespace = namespace
	}
}

func WithConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.ConstLabels = labels
	}
}

func WithBuckets(buckets []float64) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry 指定注册器，测试中传入独立的 prometheus.NewRegistry()
func WithRegistry(registry prometheus.Registerer) PrometheusOption {
	return func(c *PrometheusConfig) {
		c.Registry = registry
	}
}

// Prometheus 基于 client_golang 的实现
type Prometheus struct {
	activeSessions   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	packetsTotal     *prometheus.CounterVec
	dispatchErrors   *prometheus.CounterVec
	broadcastsTotal  prometheus.Counter
	broadcastLatency prometheus.Histogram
	recipientsTotal  prometheus.Counter
	droppedPackets   prometheus.Counter
	transportErrors  *prometheus.CounterVec
	orphansSwept     prometheus.Counter
}

// NewPrometheus 创建并注册全部指标
// 同一注册器上重复创建会 panic
func NewPrometheus(opts ...PrometheusOption) *Prometheus {
	config := PrometheusConfig{
		Namespace: "sio",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	return &Prometheus{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of sessions currently alive on this process",
			ConstLabels: config.ConstLabels,
		}),
		sessionsTotal:   counter("sessions_total", "Total number of sessions opened"),
		packetsTotal:    counterVec("packets_total", "Packets processed by direction and type", "direction", "type"),
		dispatchErrors:  counterVec("dispatch_errors_total", "Dispatch errors by kind", "kind"),
		broadcastsTotal: counter("broadcasts_total", "Total number of broadcasts"),
		broadcastLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcast_duration_seconds",
			Help:        "Time spent fanning a broadcast out to its recipients",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
		recipientsTotal: counter("broadcast_recipients_total", "Total number of broadcast deliveries"),
		droppedPackets:  counter("dropped_packets_total", "Packets dropped because the session was closing"),
		transportErrors: counterVec("transport_errors_total", "Transport errors by transport", "transport"),
		orphansSwept:    counter("orphans_swept_total", "Orphaned sessions removed by the sweeper"),
	}
}

func (p *Prometheus) SessionOpened() {
	p.activeSessions.Inc()
	p.sessionsTotal.Inc()
}

func (p *Prometheus) SessionClosed() {
	p.activeSessions.Dec()
}

func (p *Prometheus) PacketProcessed(direction, packetType string) {
	p.packetsTotal.WithLabelValues(direction, packetType).Inc()
}

func (p *Prometheus) DispatchError(kind string) {
	p.dispatchErrors.WithLabelValues(kind).Inc()
}

func (p *Prometheus) BroadcastSent(recipients int, latency time.Duration) {
	p.broadcastsTotal.Inc()
	p.recipientsTotal.Add(float64(recipients))
	p.broadcastLatency.Observe(latency.Seconds())
}

func (p *Prometheus) PacketDropped() {
	p.droppedPackets.Inc()
}

func (p *Prometheus) TransportError(transport string) {
	p.transportErrors.WithLabelValues(transport).Inc()
}

func (p *Prometheus) OrphansSwept(n int) {
	p.orphansSwept.Add(float64(n))
}
