package session

import (
	"sort"

	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/internal/logger"
)

// Push drives the CmdSN reorder discipline (spec.md §4.3). Immediate
// (I-bit) PDUs bypass reorder entirely: the caller should not call Push
// for those, calling execute directly instead.
//
// If cmdSN equals the expected CmdSN, execute runs for cmd, then for
// every pending entry whose CmdSN becomes the new expected value in
// turn, advancing exp_cmd_sn between each. Per spec.md §4.3, snMu is
// released before each call to execute (which may block or re-enter
// the executor) and reacquired to check the pending list afterward.
//
// Otherwise cmd is marked pending and inserted in CmdSN order.
func (s *Session) Push(cmdSN uint32, cmd *cmnd.Command, execute func(*cmnd.Command)) {
	s.snMu.Lock()

	if cmdSN < s.expCmdSN {
		if cmd.Opcode == pdu.OpPDUReject {
			// A start-phase reject (ITTHash.Insert or the NOP-Out
			// ping-ack check refused the past CmdSN) has no slot left in
			// the order to wait for, so its Reject is emitted now.
			s.snMu.Unlock()
			execute(cmd)
			return
		}
		// Any other past CmdSN reaching Push passed that validation,
		// which can only happen for a second connection racing in under
		// MC/S before the first connection's advance is visible here.
		// There is no protocol-correct execution for it, so drop it
		// rather than reprocessing out of order (spec.md §4.2/§4.3).
		logger.Error("CmdSN behind window at Push, dropping", "cmd_sn", cmdSN, "exp_cmd_sn", s.expCmdSN)
		s.snMu.Unlock()
		cmd.Put()
		return
	}

	if behind := cmdSN - s.expCmdSN; behind > s.Params.MaxQueuedCmnds {
		// Too far ahead: also diagnostic-only per spec.md §4.3 "Open
		// questions from source" — the protocol requires this to be an
		// error but the reference source only logs it.
		logger.Warn("CmdSN ahead of window", "cmd_sn", cmdSN, "exp_cmd_sn", s.expCmdSN, "max_queued", s.Params.MaxQueuedCmnds)
	}

	if cmdSN != s.expCmdSN {
		cmd.Pending = true
		s.insertPending(cmdSN, cmd)
		s.snMu.Unlock()
		return
	}

	s.expCmdSN++
	s.snMu.Unlock()
	execute(cmd)

	for {
		s.snMu.Lock()
		if len(s.pending) == 0 || s.pending[0].cmdSN != s.expCmdSN {
			s.snMu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		next.cmd.Pending = false
		s.expCmdSN++
		s.snMu.Unlock()
		execute(next.cmd)
	}
}

// insertPending inserts in CmdSN-ascending order; caller holds snMu.
func (s *Session) insertPending(cmdSN uint32, cmd *cmnd.Command) {
	idx := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].cmdSN >= cmdSN
	})
	s.pending = append(s.pending, pendingEntry{})
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = pendingEntry{cmdSN: cmdSN, cmd: cmd}
}
