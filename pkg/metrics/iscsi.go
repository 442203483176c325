package metrics

import "time"

// TargetMetrics is the metrics sink the iSCSI core records against. The
// concrete Prometheus implementation lives in pkg/metrics/prometheus;
// core packages only see this interface, mirroring how the teacher's
// pkg/cache depends on cache.CacheMetrics rather than Prometheus
// directly.
type TargetMetrics interface {
	// CommandReceived records one PDU of any opcode dispatched to the
	// executor, labeled by opcode name.
	CommandReceived(opcode string)

	// R2TIssued records one R2T sent to an initiator.
	R2TIssued()

	// RejectSent records one Reject PDU, labeled by reason.
	RejectSent(reason string)

	// AbortHandled records one task-management function outcome,
	// labeled by function name and result status.
	AbortHandled(function, status string)

	// StatSNAdvanced records one StatSN increment on a connection.
	StatSNAdvanced()

	// ConnectionOpened/ConnectionClosed track the live connection gauge.
	ConnectionOpened()
	ConnectionClosed()

	// CommandDuration records end-to-end latency from SCSI-Cmd start to
	// response transmit.
	CommandDuration(opcode string, d time.Duration)

	// TCPRoundTrip records a TCP_INFO sample taken off a connection's
	// socket: smoothed RTT and the cumulative retransmit count observed
	// so far on that socket (internal/sockopt.TCPInfo).
	TCPRoundTrip(rtt time.Duration, retransmits uint32)
}

// noopMetrics discards all observations; used when metrics are disabled.
type noopMetrics struct{}

func (noopMetrics) CommandReceived(string)             {}
func (noopMetrics) R2TIssued()                         {}
func (noopMetrics) RejectSent(string)                  {}
func (noopMetrics) AbortHandled(string, string)        {}
func (noopMetrics) StatSNAdvanced()                    {}
func (noopMetrics) ConnectionOpened()                  {}
func (noopMetrics) ConnectionClosed()                  {}
func (noopMetrics) CommandDuration(string, time.Duration) {}
func (noopMetrics) TCPRoundTrip(time.Duration, uint32)    {}

// Noop returns a TargetMetrics that discards everything.
func Noop() TargetMetrics { return noopMetrics{} }
