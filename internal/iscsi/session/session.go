package session

import (
	"sync"
	"sync/atomic"

	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/ierrors"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
)

// Params are the negotiated session parameters the core treats as
// read-only (spec.md §6 "Negotiated session parameters"); they are set
// once at session creation from the login/negotiation phase (out of
// core scope) and never mutated by the core itself.
type Params struct {
	InitiatorName     string
	InitialR2T        bool
	ImmediateData     bool
	MaxRecvDataLength int
	MaxXmitDataLength int
	MaxBurstLength    int
	MaxOutstandingR2T int
	MaxQueuedCmnds    uint32
	HeaderDigest      string
	DataDigest        string
}

// pendingEntry is one entry of the CmdSN-ordered reorder list (spec.md
// C2 "pending_list").
type pendingEntry struct {
	cmdSN uint32
	cmd   *cmnd.Command
}

// Session owns the ITT hash and the CmdSN sequence window (spec.md
// C2+C3).
type Session struct {
	Params Params

	ITTHash ITTHash

	snMu       sync.Mutex
	expCmdSN   uint32
	pending    []pendingEntry

	ttCounter uint32 // session-monotone target task tag allocator (spec.md §4.5.1)

	ID string // rs/xid-generated session correlation id, for logging
}

// New creates a Session starting at the given initial CmdSN (normally
// the first CmdSN the initiator presents during login).
func New(id string, params Params, initialCmdSN uint32) *Session {
	s := &Session{
		Params:   params,
		expCmdSN: initialCmdSN,
		ID:       id,
	}
	s.ITTHash.sess = s
	return s
}

// ValidateCmdSN rejects a CmdSN that falls behind the session's
// expected window (spec.md §4.2 "validate CmdSN ≥ session.exp_cmd_sn;
// on CmdSN in the past, return PROTOCOL_ERROR"; grounded on
// check_cmd_sn in the original source, called before a command is ever
// hashed). Callers that stamp ordering on non-hashed opcodes (NOP-Out
// ping-acks) call this directly; ITTHash.Insert calls it for every
// hashed opcode.
func (s *Session) ValidateCmdSN(cmdSN uint32) error {
	s.snMu.Lock()
	defer s.snMu.Unlock()
	if cmdSN < s.expCmdSN {
		return ierrors.NewProtocolError("CmdSN behind session window", byte(pdu.RejectProtocolError))
	}
	return nil
}

// ExpCmdSN returns the next expected ordered CmdSN, under snMu.
func (s *Session) ExpCmdSN() uint32 {
	s.snMu.Lock()
	defer s.snMu.Unlock()
	return s.expCmdSN
}

// MaxCmdSN returns the advertised command window ceiling: ExpCmdSN +
// MaxQueuedCmnds (spec.md §4.4).
func (s *Session) MaxCmdSN() uint32 {
	s.snMu.Lock()
	defer s.snMu.Unlock()
	return s.expCmdSN + s.Params.MaxQueuedCmnds
}

// StampOrdering writes ExpCmdSN and MaxCmdSN onto an outgoing BHS under
// snMu (spec.md §4.4).
func (s *Session) StampOrdering(h *pdu.BHS) {
	s.snMu.Lock()
	defer s.snMu.Unlock()
	h.SetExpCmdSN(s.expCmdSN)
	h.SetMaxCmdSN(s.expCmdSN + s.Params.MaxQueuedCmnds)
}

// NextTargetTaskTag allocates a session-monotone target task tag,
// skipping the reserved value (spec.md §4.5.1).
func (s *Session) NextTargetTaskTag() uint32 {
	for {
		tag := atomic.AddUint32(&s.ttCounter, 1)
		if tag != pdu.ReservedTag {
			return tag
		}
	}
}

// PendingLen reports the current reorder backlog, for metrics/tests.
func (s *Session) PendingLen() int {
	s.snMu.Lock()
	defer s.snMu.Unlock()
	return len(s.pending)
}
