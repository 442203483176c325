// Package abort implements task-management function handling (spec.md
// §4.8): mapping a SCSI-TaskMgmt request to the matching BACKEND call,
// setting tmfabort on the referenced request, and translating BACKEND's
// completion status back into a TM-Rsp PDU. Kept as its own package
// (rather than folded into executor) because the TM status mapping
// table is a self-contained concern executor only needs to invoke, not
// own — the same separation the teacher repo uses between its dispatch
// layer and its narrower per-operation handlers.
package abort

import (
	"github.com/blocktier/iscsit/internal/iscsi/backend"
	"github.com/blocktier/iscsit/internal/iscsi/cmnd"
	"github.com/blocktier/iscsit/internal/iscsi/connection"
	"github.com/blocktier/iscsit/internal/iscsi/pdu"
	"github.com/blocktier/iscsit/internal/logger"
)

// Handle implements spec.md §4.8's request side: decode the TM
// function, locate the referenced task for tag-scoped functions, and
// submit to BACKEND. The TM-Rsp itself is emitted later from Complete,
// once BACKEND calls back TaskMgmtFnDone.
func Handle(conn *connection.Connection, be backend.Backend, cmd *cmnd.Command) {
	fn, ok := mapFunction(cmd.BHS.TaskMgmtFunction())
	if !ok {
		respond(conn, cmd, pdu.TMRespFuncRejected)
		cmd.Put()
		return
	}

	if cmd.BHS.TaskMgmtFunction() == pdu.TMFAbortTask {
		handleAbortTask(conn, be, cmd, fn)
		return
	}

	bcmd, err := be.RxMgmtFnLun(fn, cmd.BHS.LUN(), nil)
	if err != nil {
		logger.Warn("task management function rejected by backend", "fn", fn, "error", err)
		respond(conn, cmd, pdu.TMRespFuncRejected)
		cmd.Put()
		return
	}
	cmd.BackendCmd = bcmd
}

// handleAbortTask implements the tag-scoped ABORT TASK function
// (spec.md S4): locates the referenced request by its ITT (carried as
// the TM request's Referenced Task Tag), flags it aborted so its next
// observable checkpoint diverts to force-release, and submits to
// BACKEND.
func handleAbortTask(conn *connection.Connection, be backend.Backend, cmd *cmnd.Command, fn backend.TMFunction) {
	rtt := cmd.BHS.RefTaskTag()
	req := conn.Sess.ITTHash.Find(rtt, pdu.ReservedTag)
	if req == nil {
		respond(conn, cmd, pdu.TMRespTaskNotExist)
		cmd.Put()
		return
	}

	req.TMFAbort.Store(true)
	// Wake anything blocked in scsiCmndStart's WaitStateNot(RxCmd); the
	// waiter observes IsAborted() and returns without touching BACKEND
	// further (spec.md §4.5.1).
	req.SetState(cmnd.StateProcessed)

	if req.DataWaiting {
		// Blocked on an outstanding R2T: the initiator may never send
		// the solicited Data-Out, so nothing else will ever reach
		// req's executor checkpoint to force-release it (spec.md §4.8
		// "force-release a data_waiting command immediately").
		req.DataWaiting = false
		conn.Sess.ITTHash.Remove(req)
		req.ForceCleanupDone = true
		req.Put()
	}

	bcmd, err := be.RxMgmtFnTag(fn, rtt, nil)
	if err != nil {
		logger.Warn("ABORT TASK rejected by backend", "rtt", rtt, "error", err)
		respond(conn, cmd, pdu.TMRespFuncRejected)
		cmd.Put()
		return
	}
	cmd.BackendCmd = bcmd
}

// Complete implements spec.md §4.8's response side: BACKEND's
// TaskMgmtFnDone callback lands here, the TM request is located by its
// BACKEND handle, and the TM-Rsp PDU is built and enqueued.
func Complete(conn *connection.Connection, bcmd backend.Cmd, status backend.TMStatus) {
	cmd := conn.FindByBackendCmd(bcmd)
	if cmd == nil {
		return
	}
	respond(conn, cmd, tmStatusToResponse(status))
	cmd.Put()
}

// respond builds and enqueues the TM-Rsp PDU for cmd.
func respond(conn *connection.Connection, cmd *cmnd.Command, code pdu.TaskMgmtResponse) {
	rsp := cmnd.NewChild(pdu.OpTaskMgmtRsp, cmd)
	rsp.BHS.SetOpcode(pdu.OpTaskMgmtRsp)
	rsp.BHS.SetFinal(true)
	rsp.BHS.SetITT(cmd.BHS.ITT())
	rsp.BHS.SetStatus(byte(code))
	conn.EnqueueResponse(rsp)
	conn.Metrics.AbortHandled(cmd.BHS.TaskMgmtFunction().String(), code.String())
}

// mapFunction translates the wire TM function code to BACKEND's
// TMFunction enum; false for any code this core does not recognize
// (spec.md §4.8 "unknown -> FUNCTION_REJECTED").
func mapFunction(wire pdu.TaskMgmtFunction) (backend.TMFunction, bool) {
	switch wire {
	case pdu.TMFAbortTask:
		return backend.TMAbortTask, true
	case pdu.TMFAbortTaskSet:
		return backend.TMAbortTaskSet, true
	case pdu.TMFClearACA:
		return backend.TMClearACA, true
	case pdu.TMFClearTaskSet:
		return backend.TMClearTaskSet, true
	case pdu.TMFLogicalUnitReset:
		return backend.TMLogicalUnitReset, true
	case pdu.TMFTargetWarmReset:
		return backend.TMTargetWarmReset, true
	case pdu.TMFTargetColdReset:
		return backend.TMTargetColdReset, true
	case pdu.TMFTaskReassign:
		return backend.TMTaskReassign, true
	default:
		return 0, false
	}
}

// tmStatusToResponse maps BACKEND's completion status to the wire
// TM-Rsp response code (spec.md §4.8 mapping table).
func tmStatusToResponse(status backend.TMStatus) pdu.TaskMgmtResponse {
	switch status {
	case backend.TMStatusSuccess:
		return pdu.TMRespComplete
	case backend.TMStatusTaskNotExist:
		return pdu.TMRespTaskNotExist
	case backend.TMStatusLUNNotExist:
		return pdu.TMRespLUNNotExist
	case backend.TMStatusFnNotSupported:
		return pdu.TMRespFuncNotSupported
	case backend.TMStatusRejected:
		return pdu.TMRespFuncRejected
	default:
		return pdu.TMRespFuncRejected
	}
}
