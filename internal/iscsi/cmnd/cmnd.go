// Package cmnd implements the Command object (spec.md C1 / §4.1): a
// reference-counted carrier of one request or response PDU, with the
// parent/child response tree and the BACKEND coupling state machine.
package cmnd

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/pkg/bufpool"
)

// ConnOwner is the slice of Connection behavior a root Command needs
// without importing package connection (which itself imports cmnd).
// Implemented by *connection.Connection.
type ConnOwner interface {
	// AddToCmdList links a root command into the connection's cmd_list
	// under cmd_list_lock. The connection keeps no reference count of
	// its own; linking a command does not pin the connection.
	AddToCmdList(c *Command)
	// RemoveFromCmdList unlinks a root command from cmd_list.
	RemoveFromCmdList(c *Command)
}

// Command represents exactly one PDU-originated request or a response
// produced for one (spec.md §3 "Command (C1)").
type Command struct {
	Opcode pdu.Opcode
	BHS    pdu.BHS
	AHS    pdu.AHS

	SG SGL

	Conn     ConnOwner
	ParentReq *Command // nil for requests

	refcount int32

	// Request-only protocol state.
	ITTHashed      bool
	R2TLength      int
	R2TSN          uint32
	OutstandingR2T int
	IsUnsolicitedData bool
	TargetTaskTag  uint32
	Pending        bool
	DataWaiting    bool
	TMFAbort       atomic.Bool

	// DigestFailed records that at least one Data-Out PDU belonging to
	// this write request failed data-digest verification (spec.md
	// §4.6.1 "rx_ddigest_cmd_list"); checked by the pre-exec hook once
	// all write data has arrived. Each Data-Out PDU's own CRC covers
	// only that PDU's payload, so verification happens as each one is
	// received rather than via a deferred per-command list.
	DigestFailed bool

	// RejectReason carries the wire reject-reason byte for a command
	// whose Opcode was rewritten to the OpPDUReject sentinel at start
	// phase (spec.md §4.5 step 3); consumed by the executor when it
	// builds the actual Reject PDU.
	RejectReason byte

	// BACKEND coupling (requests only).
	BackendCmd  any
	state       BackendState
	stateMu     sync.Mutex
	stateCond   *sync.Cond

	// Response-only fields.
	OnWriteList          bool
	WriteProcessingStarted bool
	ForceCleanupDone     bool
	ShouldCloseConn      bool

	// rspMu protects Children (spec.md "rsp_cmd_lock (per request)").
	rspMu    sync.Mutex
	Children []*Command

	// Expected transfer lengths, used by residual accounting (§5
	// supplemented "cmnd_prepare_skip_pdu").
	ExpectedTransferLen int
	ExpectedBidiReadLen int
	ResidualCount       int
	BidiResidualCount   int
	ResidualOverflow    bool
	BidiResidualOverflow bool

	// LUN/CDB, populated by the receive pipeline for SCSI-Cmd.
	LUN uint64
	CDB []byte

	// StartedAt records when the root command was allocated, for the
	// CommandDuration metric (spec.md §4.8 latency accounting).
	StartedAt time.Time
}

// New allocates a fresh root command at refcount 1, state NEW
// (spec.md §4.1). If conn is non-nil the command is linked into the
// connection's cmd_list.
func New(op pdu.Opcode, conn ConnOwner) *Command {
	c := &Command{
		Opcode:    op,
		Conn:      conn,
		refcount:  1,
		state:     StateNew,
		StartedAt: time.Now(),
	}
	c.stateCond = sync.NewCond(&c.stateMu)
	if conn != nil {
		conn.AddToCmdList(c)
	}
	return c
}

// NewChild allocates a response command owned by parent: the child is
// appended to the parent's response list and the parent's refcount is
// incremented (spec.md §4.1).
func NewChild(op pdu.Opcode, parent *Command) *Command {
	c := &Command{
		Opcode:    op,
		Conn:      parent.Conn,
		ParentReq: parent,
		refcount:  1,
		state:     StateNew,
	}
	c.stateCond = sync.NewCond(&c.stateMu)
	parent.Get()
	parent.rspMu.Lock()
	parent.Children = append(parent.Children, c)
	parent.rspMu.Unlock()
	return c
}

// Get increments the reference count (spec.md §4.1 "every get is paired
// with one put", invariant 5).
func (c *Command) Get() {
	atomic.AddInt32(&c.refcount, 1)
}

// Put decrements the reference count and releases the command when it
// reaches zero: unlinks from cmd_list (root) or from the parent's
// response list (child) and drops the parent's refcount, frees the
// scatter buffer if OwnSG, then the command itself is eligible for GC
// (spec.md §4.1 release policy, invariant I2).
func (c *Command) Put() {
	if atomic.AddInt32(&c.refcount, -1) != 0 {
		return
	}
	if c.ParentReq != nil {
		parent := c.ParentReq
		parent.rspMu.Lock()
		for i, ch := range parent.Children {
			if ch == c {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		parent.rspMu.Unlock()
		parent.Put()
	} else if c.Conn != nil {
		c.Conn.RemoveFromCmdList(c)
	}
	if c.SG.OwnSG {
		for _, page := range c.SG.Pages {
			bufpool.Put(page)
		}
	}
}

// RefCount returns the current reference count, for tests and
// diagnostics only.
func (c *Command) RefCount() int32 {
	return atomic.LoadInt32(&c.refcount)
}

// State returns the current BACKEND coupling state.
func (c *Command) State() BackendState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SetState raises the refcount, writes the new state, wakes waiters,
// then drops the refcount — so a waiter observing the new state cannot
// see a freed command (spec.md §9 "State wait primitive").
func (c *Command) SetState(s BackendState) {
	c.Get()
	c.stateMu.Lock()
	c.state = s
	c.stateCond.Broadcast()
	c.stateMu.Unlock()
	c.Put()
}

// WaitStateNot blocks until the state is no longer `s`, returning the
// new state. Used by SCSI command start to block until BACKEND moves
// the command out of RX_CMD (spec.md §4.5.1).
func (c *Command) WaitStateNot(s BackendState) BackendState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for c.state == s {
		c.stateCond.Wait()
	}
	return c.state
}

// IsAborted reports whether tmfabort has been set (spec.md §4.8).
func (c *Command) IsAborted() bool {
	return c.TMFAbort.Load()
}
