package prometheus

import (
	"time"

	"github.com/blocktier/iscsit/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// targetMetrics is the Prometheus implementation of metrics.TargetMetrics.
type targetMetrics struct {
	commandsReceived *prometheus.CounterVec
	r2tsIssued       prometheus.Counter
	rejectsSent      *prometheus.CounterVec
	abortsHandled    *prometheus.CounterVec
	statSNAdvances   prometheus.Counter
	connections      prometheus.Gauge
	commandDuration  *prometheus.HistogramVec
	tcpRTT           prometheus.Histogram
	tcpRetransmits   prometheus.Histogram
}

// NewTargetMetrics creates a Prometheus-backed metrics.TargetMetrics.
// Returns metrics.Noop() if the registry was never initialized.
func NewTargetMetrics() metrics.TargetMetrics {
	if !metrics.IsEnabled() {
		return metrics.Noop()
	}

	reg := metrics.GetRegistry()

	return &targetMetrics{
		commandsReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "iscsit_commands_received_total",
				Help: "Total number of PDUs dispatched to the executor, by opcode",
			},
			[]string{"opcode"},
		),
		r2tsIssued: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "iscsit_r2t_issued_total",
				Help: "Total number of R2T PDUs issued to initiators",
			},
		),
		rejectsSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "iscsit_reject_sent_total",
				Help: "Total number of Reject PDUs sent, by reason",
			},
			[]string{"reason"},
		),
		abortsHandled: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "iscsit_task_mgmt_total",
				Help: "Total number of task management function completions, by function and status",
			},
			[]string{"function", "status"},
		),
		statSNAdvances: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "iscsit_statsn_advance_total",
				Help: "Total number of StatSN increments across all connections",
			},
		),
		connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "iscsit_connections_open",
				Help: "Current number of open iSCSI connections",
			},
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "iscsit_command_duration_seconds",
				Help: "End-to-end latency from command start to response transmit, by opcode",
				Buckets: []float64{
					0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
				},
			},
			[]string{"opcode"},
		),
		tcpRTT: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "iscsit_tcp_rtt_seconds",
				Help: "TCP_INFO smoothed round-trip time sampled at connection close",
				Buckets: []float64{
					0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1,
				},
			},
		),
		tcpRetransmits: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "iscsit_tcp_retransmits_total",
				Help:    "TCP_INFO cumulative retransmit count sampled at connection close",
				Buckets: prometheus.LinearBuckets(0, 1, 10),
			},
		),
	}
}

func (m *targetMetrics) CommandReceived(opcode string) {
	m.commandsReceived.WithLabelValues(opcode).Inc()
}

func (m *targetMetrics) R2TIssued() {
	m.r2tsIssued.Inc()
}

func (m *targetMetrics) RejectSent(reason string) {
	m.rejectsSent.WithLabelValues(reason).Inc()
}

func (m *targetMetrics) AbortHandled(function, status string) {
	m.abortsHandled.WithLabelValues(function, status).Inc()
}

func (m *targetMetrics) StatSNAdvanced() {
	m.statSNAdvances.Inc()
}

func (m *targetMetrics) ConnectionOpened() {
	m.connections.Inc()
}

func (m *targetMetrics) ConnectionClosed() {
	m.connections.Dec()
}

func (m *targetMetrics) CommandDuration(opcode string, d time.Duration) {
	m.commandDuration.WithLabelValues(opcode).Observe(d.Seconds())
}

func (m *targetMetrics) TCPRoundTrip(rtt time.Duration, retransmits uint32) {
	m.tcpRTT.Observe(rtt.Seconds())
	m.tcpRetransmits.Observe(float64(retransmits))
}
