// Package connection implements the per-connection receive pipeline
// (spec.md C5, §4.5), the per-connection StatSN sequencer (C4, §4.4),
// and the transmit pipeline (C7, §4.7).
package connection

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/blocktier/iscsit/internal/iscsi/backend"
	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/digest"
	"github.com/blocktier/iscsit/internal/iscsi/session"
	"github.com/blocktier/iscsit/internal/sockopt"
	"github.com/blocktier/iscsit/pkg/bufpool"
	"github.com/blocktier/iscsit/pkg/metrics"
	"github.com/rs/xid"
)

// wrState values (spec.md §4.7 "Local-processing optimisation", §9
// "wr_state machine").
const (
	wrIdle int32 = iota
	wrInList
	wrProcessing
)

// Dispatcher is the executor's entry point from the receive pipeline
// (spec.md C6). Defined here, implemented by package executor, so
// connection need not import executor (avoiding an import cycle: the
// executor imports connection to drive the transmit pipeline).
type Dispatcher interface {
	// Dispatch routes cmd to its opcode handler once it is at the head
	// of the ordered stream (or bypassed reorder as an immediate PDU).
	Dispatch(cmd *cmnd.Command)

	// SubmitToBackend constructs a BACKEND command for a freshly-parsed
	// SCSI-Cmd (spec.md §4.5.1 "Construct a BACKEND command").
	SubmitToBackend(req *backend.Request) (backend.Cmd, error)

	// StartBackend signals BACKEND to begin preprocessing a command
	// already accepted via SubmitToBackend.
	StartBackend(bcmd backend.Cmd)
}

// Connection owns a single TCP connection's read/write state (spec.md
// C4+C5+C7).
type Connection struct {
	ID string // rs/xid correlation id for logging

	Sess *Session
	Sock net.Conn

	HeaderDigest digest.Type
	DataDigest   digest.Type

	Dispatcher Dispatcher
	Metrics    metrics.TargetMetrics

	// TCPCork mirrors TargetConfig.TCPCork; applied via internal/sockopt
	// at transmit-burst boundaries (spec.md §4.7 "TCP corking").
	// TCP_NODELAY is set once per accepted socket by package target.
	TCPCork bool

	statMu    sync.Mutex
	statSN    uint32
	expStatSN uint32

	cmdListMu sync.Mutex
	cmdList   []*cmnd.Command

	writeListMu sync.Mutex
	writeList   []*cmnd.Command

	wrState int32

	// writerPool drains write_list for this connection (spec.md §5
	// "dedicated writer pool"); defaults to the process-wide
	// defaultWriterPool, overridable per-connection for test isolation.
	writerPool *WriterPool

	closed atomic.Bool

	// maxRecvDataLength mirrors Sess.Params.MaxRecvDataLength, cached
	// here to avoid a lock round-trip on the hot receive path.
	maxRecvDataLength int
}

// Session is a thin alias so connection doesn't need to import package
// session for every call site; kept as a distinct name to read well in
// this package (Sess.Push, Sess.ITTHash, ...).
type Session = session.Session

// New creates a Connection bound to an accepted socket and session.
func New(sock net.Conn, sess *Session, dispatcher Dispatcher, m metrics.TargetMetrics, tcpCork bool) *Connection {
	if m == nil {
		m = metrics.Noop()
	}
	c := &Connection{
		ID:                xid.New().String(),
		Sess:              sess,
		Sock:              sock,
		Dispatcher:        dispatcher,
		Metrics:           m,
		TCPCork:           tcpCork,
		maxRecvDataLength: sess.Params.MaxRecvDataLength,
		writerPool:        defaultWriterPool,
	}
	c.HeaderDigest = digest.ParseType(sess.Params.HeaderDigest)
	c.DataDigest = digest.ParseType(sess.Params.DataDigest)
	return c
}

// AddToCmdList implements cmnd.ConnOwner: links a root command into
// cmd_list under cmd_list_lock (spec.md §4.1).
func (c *Connection) AddToCmdList(cmd *cmnd.Command) {
	c.cmdListMu.Lock()
	c.cmdList = append(c.cmdList, cmd)
	c.cmdListMu.Unlock()
}

// RemoveFromCmdList implements cmnd.ConnOwner.
func (c *Connection) RemoveFromCmdList(cmd *cmnd.Command) {
	c.cmdListMu.Lock()
	for i, existing := range c.cmdList {
		if existing == cmd {
			c.cmdList = append(c.cmdList[:i], c.cmdList[i+1:]...)
			break
		}
	}
	c.cmdListMu.Unlock()
}

// CmdListSnapshot returns a copy of cmd_list for abort iteration
// (spec.md §4.8, §9 "Concurrent abort while iterating cmd_list").
func (c *Connection) CmdListSnapshot() []*cmnd.Command {
	c.cmdListMu.Lock()
	defer c.cmdListMu.Unlock()
	out := make([]*cmnd.Command, len(c.cmdList))
	copy(out, c.cmdList)
	return out
}

// FindByBackendCmd walks cmd_list for the Command wrapping a given
// BACKEND handle. Used by package executor and package abort to recover
// the *cmnd.Command a BACKEND callback refers to, since backend.Cmd is
// opaque to the core (spec.md §6 "Cmd is the opaque handle").
func (c *Connection) FindByBackendCmd(bcmd any) *cmnd.Command {
	for _, cmd := range c.CmdListSnapshot() {
		if cmd.BackendCmd == bcmd {
			return cmd
		}
	}
	return nil
}

// StatSN returns the next StatSN to stamp, without advancing it.
func (c *Connection) StatSN() uint32 {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return c.statSN
}

// ExpStatSN returns the initiator's highest acknowledged StatSN.
func (c *Connection) ExpStatSN() uint32 {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	return c.expStatSN
}

// UpdateExpStatSN records the initiator's ExpStatSN from an incoming
// PDU (spec.md §4.2 "update connection's ExpStatSN from the PDU").
func (c *Connection) UpdateExpStatSN(v uint32) {
	c.statMu.Lock()
	if seqGreater(v, c.expStatSN) {
		c.expStatSN = v
	}
	c.statMu.Unlock()
}

// seqGreater compares two serial numbers per RFC 3720's wraparound
// arithmetic (a > b iff 0 < a-b < 2^31).
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// MarkClosing flags this connection should close after the current
// response batch drains (spec.md Logout handling).
func (c *Connection) MarkClosing() {
	c.closed.Store(true)
}

// Closing reports whether MarkClosing was called.
func (c *Connection) Closing() bool {
	return c.closed.Load()
}

// Close releases the socket. Buffers already checked out of bufpool by
// in-flight commands are returned by their owning command's Put, not
// here. Samples TCP_INFO one last time before tearing down, since RTT
// and retransmit counts are most informative right when a connection
// has finished carrying its full traffic history.
func (c *Connection) Close() error {
	if info, ok, err := sockopt.GetTCPInfo(c.Sock); ok && err == nil {
		c.Metrics.TCPRoundTrip(info.RTT, info.Retransmits)
	}
	return c.Sock.Close()
}

// allocPage gets a pooled buffer sized for one data segment.
func allocPage(size int) []byte {
	return bufpool.Get(size)
}
