// Package executor implements the head-of-order dispatch (spec.md C6,
// §4.6): once a command reaches the front of the CmdSN-ordered stream
// (or bypasses reorder as an immediate PDU), the executor decides
// whether to solicit more write data via R2T, hand the command to
// BACKEND, or finish a task-management/logout/reject request. It also
// implements backend.Callbacks so BACKEND can report back into the
// core, and connection.Dispatcher so package connection can hand it
// ordered commands without importing it directly.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/blocktier/iscsit/internal/iscsi/abort"
	"github.com/blocktier/iscsit/internal/iscsi/backend"
	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/connection"
	"github.com/blocktier/iscsit/internal/iscsi/digest"
	"github.com/blocktier/iscsit/internal/iscsi/ierrors"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/internal/logger"
)

// Executor owns the per-connection dispatch table. One Executor serves
// one Connection; the Backend it drives may be shared across many
// connections/sessions (spec.md §6 BACKEND is target-scoped, not
// connection-scoped).
type Executor struct {
	Conn    *connection.Connection
	Backend backend.Backend
}

// New builds an Executor bound to conn and backend. The caller must call
// conn.Dispatcher = ex after construction (the two types are mutually
// referential, so New cannot do it itself without conn already existing).
func New(conn *connection.Connection, be backend.Backend) *Executor {
	return &Executor{Conn: conn, Backend: be}
}

// SubmitToBackend implements connection.Dispatcher (spec.md §4.5.1
// "Construct a BACKEND command").
func (e *Executor) SubmitToBackend(req *backend.Request) (backend.Cmd, error) {
	return e.Backend.RxCmd(context.Background(), req)
}

// StartBackend implements connection.Dispatcher.
func (e *Executor) StartBackend(bcmd backend.Cmd) {
	e.Backend.InitStage1Done(bcmd)
}

// Dispatch implements connection.Dispatcher: the head-of-order opcode
// table (spec.md §4.6).
func (e *Executor) Dispatch(cmd *cmnd.Command) {
	if cmd.IsAborted() {
		e.forceRelease(cmd)
		return
	}

	e.Conn.Metrics.CommandReceived(cmd.Opcode.String())

	switch cmd.Opcode {
	case pdu.OpSCSICmd:
		e.dispatchSCSICmd(cmd)
	case pdu.OpNopOut:
		e.dispatchNopOut(cmd)
	case pdu.OpSCSITaskMgmt:
		abort.Handle(e.Conn, e.Backend, cmd)
	case pdu.OpLogout:
		e.dispatchLogout(cmd)
	case pdu.OpPDUReject:
		e.flushReject(cmd)
	default:
		logger.Error("executor dispatch: unexpected opcode reached head-of-order", "opcode", cmd.Opcode.String())
		cmd.Put()
	}
}

// dispatchSCSICmd implements spec.md §4.6 "SCSI-Cmd" and, when no R2T
// is needed, restarts the command at BACKEND directly.
func (e *Executor) dispatchSCSICmd(cmd *cmnd.Command) {
	if cmd.R2TLength > 0 && !cmd.IsUnsolicitedData {
		e.issueR2T(cmd)
		return
	}
	cmd.DataWaiting = false
	e.restart(cmd)
}

// restart runs the pre-exec hook then hands the command to BACKEND
// (spec.md §4.6.1 "Pre-exec hook"). A pre-exec failure aborts dispatch
// to BACKEND entirely and answers with CHECK_CONDITION carrying the
// failure's sense directly (spec.md §7 "BackendSense ... the
// CHECK_CONDITION response carries the sense").
func (e *Executor) restart(cmd *cmnd.Command) {
	if err := e.PreExec(cmd.BackendCmd); err != nil {
		logger.Warn("pre-exec digest verification failed", "itt", cmd.BHS.ITT(), "error", err)
		e.XmitResponse(cmd.BackendCmd, backend.Response{Status: backend.StatusCheckCondition, Sense: crcErrorSense})
		return
	}
	var writeData []byte
	if cmd.SG.Buflen > 0 {
		writeData = make([]byte, cmd.SG.Buflen)
		cmd.SG.CopyTo(writeData, 0, cmd.SG.Buflen)
	}
	e.Backend.RestartCmd(cmd.BackendCmd, backend.StatusGood, writeData)
}

// crcErrorSense is the fixed-format sense buffer reported when a
// Data-Out (or immediate write) data-digest verification fails: key
// ABORTED COMMAND (0x0b), ASC/ASCQ PROTOCOL SERVICE CRC ERROR
// (0x47/0x05), matching the sense format memblock's backend uses
// elsewhere (spec.md §4.6.1 "sense CRC_ERROR").
var crcErrorSense = []byte{
	0x70, 0x00, 0x0b, 0x00, 0x00, 0x00, 0x00, 0x0a,
	0x00, 0x00, 0x00, 0x00, 0x47, 0x05, 0x00, 0x00,
	0x00, 0x00,
}

// issueR2T implements spec.md §4.6.1 R2T issuance.
func (e *Executor) issueR2T(cmd *cmnd.Command) {
	offset := cmd.ExpectedTransferLen - cmd.R2TLength
	var batch []*cmnd.Command

	for cmd.R2TLength > 0 && cmd.OutstandingR2T < e.Conn.Sess.Params.MaxOutstandingR2T {
		length := cmd.R2TLength
		if max := e.Conn.Sess.Params.MaxBurstLength; max > 0 && length > max {
			length = max
		}

		r2t := cmnd.NewChild(pdu.OpR2T, cmd)
		r2t.BHS.SetOpcode(pdu.OpR2T)
		r2t.BHS.SetFinal(true)
		r2t.BHS.SetLUN(cmd.LUN)
		r2t.BHS.SetITT(cmd.BHS.ITT())
		r2t.BHS.SetTaskTag(cmd.TargetTaskTag)
		r2t.BHS.SetDataSN(cmd.R2TSN)
		r2t.BHS.SetBufferOffset(uint32(offset))
		r2t.BHS.SetDesiredLength(uint32(length))

		cmd.R2TSN++
		cmd.OutstandingR2T++
		cmd.R2TLength -= length
		offset += length

		batch = append(batch, r2t)
	}

	cmd.DataWaiting = true
	if len(batch) > 0 {
		for range batch {
			e.Conn.Metrics.R2TIssued()
		}
		e.Conn.EnqueueResponse(batch...)
	}
}

// PreExec implements backend.Callbacks (spec.md §4.6.1 "Pre-exec hook"):
// verifies queued Data-Out digests before BACKEND executes. Each
// Data-Out (and any immediate write data on the SCSI-Cmd itself) was
// already checksummed as it arrived (receive.go); this hook only
// consults the accumulated verdict on the root request.
func (e *Executor) PreExec(bcmd backend.Cmd) error {
	if e.Conn.DataDigest != digest.CRC32C {
		return nil
	}
	cmd := e.Conn.FindByBackendCmd(bcmd)
	if cmd != nil && cmd.DigestFailed {
		return ierrors.NewBackendSense("data digest CRC mismatch")
	}
	return nil
}

// dispatchNopOut implements spec.md §4.6 "NOP-Out".
func (e *Executor) dispatchNopOut(cmd *cmnd.Command) {
	if cmd.BHS.ITT() == pdu.ReservedTag {
		cmd.Put()
		return
	}
	rsp := cmnd.NewChild(pdu.OpNopIn, cmd)
	rsp.BHS.SetOpcode(pdu.OpNopIn)
	rsp.BHS.SetFinal(true)
	rsp.BHS.SetLUN(cmd.BHS.LUN())
	rsp.BHS.SetITT(cmd.BHS.ITT())
	rsp.BHS.SetTaskTag(pdu.ReservedTag)
	rsp.BHS.SetDataSegmentLength(cmd.SG.Buflen)
	rsp.SG = cmd.SG
	rsp.SG.OwnSG = false // the request still owns and returns these pages

	e.Conn.EnqueueResponse(rsp)
	cmd.Put()
}

// dispatchLogout implements spec.md §4.6 "Logout".
func (e *Executor) dispatchLogout(cmd *cmnd.Command) {
	rsp := cmnd.NewChild(pdu.OpLogoutRsp, cmd)
	rsp.BHS.SetOpcode(pdu.OpLogoutRsp)
	rsp.BHS.SetFinal(true)
	rsp.BHS.SetITT(cmd.BHS.ITT())
	rsp.ShouldCloseConn = true

	e.Conn.EnqueueResponse(rsp)
	cmd.Put()
}

// flushReject implements spec.md §4.6 "PDU-Reject sentinel": builds and
// enqueues the Reject PDU once the failed command reaches the head of
// the ordered stream, echoing its original BHS as the reject payload
// per RFC 3720 §10.17.
func (e *Executor) flushReject(cmd *cmnd.Command) {
	rsp := cmnd.NewChild(pdu.OpReject, cmd)
	rsp.BHS.SetOpcode(pdu.OpReject)
	rsp.BHS.SetFinal(true)
	rsp.BHS.SetRejectReason(pdu.RejectReason(cmd.RejectReason))
	rsp.BHS.SetDataSegmentLength(pdu.BHSLen)
	rsp.SG = cmnd.SGL{Pages: [][]byte{append([]byte(nil), cmd.BHS.Bytes()...)}, Buflen: pdu.BHSLen}

	e.Conn.EnqueueResponse(rsp)
	e.Conn.Metrics.RejectSent(fmt.Sprintf("0x%02x", cmd.RejectReason))
	cmd.Put()
}

// forceRelease implements spec.md §4.6 "tmfabort set => force-release
// instead": no response is transmitted for an aborted request.
func (e *Executor) forceRelease(cmd *cmnd.Command) {
	cmd.ForceCleanupDone = true
	cmd.Put()
}

// PreprocessingDone implements backend.Callbacks: wakes the reader
// blocked in scsiCmndStart (spec.md §4.5.1).
func (e *Executor) PreprocessingDone(bcmd backend.Cmd) {
	cmd := e.Conn.FindByBackendCmd(bcmd)
	if cmd == nil {
		return
	}
	cmd.SetState(cmnd.StateAfterPreproc)
}

// XmitResponse implements backend.Callbacks (spec.md §4.8
// "xmit_response"): emits the SCSI-Rsp (and any preceding Data-In)
// response PDUs for a completed command.
//
// A command aborted while waiting on this restart short-circuits to
// force-release with no response transmitted at all (invariant 6).
// Otherwise a GOOD (or any non-CHECK_CONDITION) response with read
// data is carried as a single Data-In burst with FINAL and the
// Data-In status flag both set, consuming the command's only StatSN
// (Testable Scenario S1). A CHECK_CONDITION with read data already
// generated splits into a status-less Data-In burst followed by a
// separate SCSI-Rsp carrying sense and residual (Testable Scenario
// S6). A response with no read data at all is a bare SCSI-Rsp.
func (e *Executor) XmitResponse(bcmd backend.Cmd, resp backend.Response) {
	cmd := e.Conn.FindByBackendCmd(bcmd)
	if cmd == nil {
		return
	}

	if cmd.IsAborted() {
		e.Backend.TgtCmdDone(bcmd)
		e.forceRelease(cmd)
		return
	}

	cmd.SetState(cmnd.StateProcessed)
	e.Conn.Metrics.CommandDuration(cmd.Opcode.String(), time.Since(cmd.StartedAt))

	e.computeResidual(cmd, len(resp.Data))

	var batch []*cmnd.Command
	switch {
	case resp.Status == backend.StatusCheckCondition && len(resp.Data) > 0:
		din := e.buildDataIn(cmd, resp.Data, false)
		rsp := e.buildSCSIRsp(cmd, resp)
		batch = append(batch, din, rsp)
	case len(resp.Data) > 0:
		din := e.buildDataIn(cmd, resp.Data, true)
		din.BHS.SetStatus(byte(resp.Status))
		din.BHS.SetResidualCount(uint32(cmd.ResidualCount))
		din.BHS.SetUnderflow(cmd.ResidualCount > 0 && !cmd.ResidualOverflow)
		din.BHS.SetOverflow(cmd.ResidualOverflow)
		batch = append(batch, din)
	default:
		batch = append(batch, e.buildSCSIRsp(cmd, resp))
	}

	e.Conn.EnqueueResponse(batch...)

	e.Backend.TgtCmdDone(bcmd)
	cmd.Put()
}

// computeResidual populates Command.ResidualCount/ResidualOverflow by
// comparing the response's actual data length against the command's
// declared expected transfer length (spec.md §4.8 "Residual handling").
func (e *Executor) computeResidual(cmd *cmnd.Command, actual int) {
	diff := cmd.ExpectedTransferLen - actual
	switch {
	case diff > 0:
		cmd.ResidualCount = diff
		cmd.ResidualOverflow = false
	case diff < 0:
		cmd.ResidualCount = -diff
		cmd.ResidualOverflow = true
	default:
		cmd.ResidualCount = 0
		cmd.ResidualOverflow = false
	}
}

// buildDataIn constructs the Data-In response child carrying resp's
// read data. withStatus sets the Data-In status flag for the combined
// single-PDU GOOD-status path (Testable Scenario S1); left unset, the
// Data-In carries FINAL but no status, with a separate SCSI-Rsp to
// follow (Testable Scenario S6).
func (e *Executor) buildDataIn(cmd *cmnd.Command, data []byte, withStatus bool) *cmnd.Command {
	din := cmnd.NewChild(pdu.OpDataIn, cmd)
	din.BHS.SetOpcode(pdu.OpDataIn)
	din.BHS.SetFinal(true)
	din.BHS.SetDataInStatusFlag(withStatus)
	din.BHS.SetLUN(cmd.BHS.LUN())
	din.BHS.SetITT(cmd.BHS.ITT())
	din.BHS.SetTaskTag(pdu.ReservedTag)
	din.BHS.SetBufferOffset(0)
	din.BHS.SetDataSN(0)
	din.BHS.SetDataSegmentLength(len(data))
	din.SG = cmnd.SGL{Pages: [][]byte{data}, Buflen: len(data)}
	return din
}

// buildSCSIRsp constructs the SCSI-Rsp response child carrying resp's
// status, sense, and residual (spec.md §4.8 "xmit_response").
func (e *Executor) buildSCSIRsp(cmd *cmnd.Command, resp backend.Response) *cmnd.Command {
	rsp := cmnd.NewChild(pdu.OpSCSIRsp, cmd)
	rsp.BHS.SetOpcode(pdu.OpSCSIRsp)
	rsp.BHS.SetFinal(true)
	rsp.BHS.SetITT(cmd.BHS.ITT())
	rsp.BHS.SetTaskTag(pdu.ReservedTag)
	rsp.BHS.SetSCSIResponseCode(0x00)
	rsp.BHS.SetStatus(byte(resp.Status))
	rsp.BHS.SetResidualCount(uint32(cmd.ResidualCount))
	rsp.BHS.SetUnderflow(cmd.ResidualCount > 0 && !cmd.ResidualOverflow)
	rsp.BHS.SetOverflow(cmd.ResidualOverflow)
	if len(resp.Sense) > 0 {
		rsp.BHS.SetDataSegmentLength(len(resp.Sense))
		rsp.SG = cmnd.SGL{Pages: [][]byte{resp.Sense}, Buflen: len(resp.Sense)}
	}
	return rsp
}

// TaskMgmtFnDone implements backend.Callbacks, delegating the actual TM
// response construction to package abort which owns the full mapping
// table (spec.md §4.8).
func (e *Executor) TaskMgmtFnDone(mgmtCmd backend.Cmd, status backend.TMStatus) {
	abort.Complete(e.Conn, mgmtCmd, status)
}

// AllocDataBuf implements backend.Callbacks: BACKEND implementations
// that cannot themselves provide a zero-copy buffer ask the core for
// one. It is freshly allocated, not taken from a pool.
func (e *Executor) AllocDataBuf(_ backend.Cmd, size int) []byte {
	return make([]byte, size)
}
