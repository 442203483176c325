// Package backend defines the BACKEND interface (spec.md §6): the
// abstract SCSI executor the core hands prepared commands to, and the
// callback interface the core implements so BACKEND can report
// preprocessing completion, pre-exec, and final responses.
package backend

import "context"

// Direction is the expected SCSI data transfer direction.
type Direction int

const (
	DirNone Direction = iota
	DirRead
	DirWrite
	DirBidi
)

// QueueAttr maps the iSCSI task attribute to the SAM-mandated queue-tag
// class (spec.md §4.5.1).
type QueueAttr int

const (
	QueueSimple QueueAttr = iota
	QueueHeadOfQueue
	QueueOrdered
	QueueACA
	QueueUntagged
)

// Status is the SCSI status byte BACKEND reports on completion.
type Status byte

const (
	StatusGood           Status = 0x00
	StatusCheckCondition Status = 0x02
	StatusBusy           Status = 0x08
)

// TMStatus is BACKEND's outcome for a task-management function (spec.md
// §4.8 mapping table).
type TMStatus int

const (
	TMStatusSuccess TMStatus = iota
	TMStatusTaskNotExist
	TMStatusLUNNotExist
	TMStatusFnNotSupported
	TMStatusRejected
)

// Cmd is the opaque handle the core carries on cmnd.Command.BackendCmd;
// BACKEND implementations define their own concrete type satisfying
// whatever internal bookkeeping they need. The core never inspects it.
type Cmd any

// Backend is the inbound-from-core surface (spec.md §6 "BACKEND
// interface (inbound from core)").
type Backend interface {
	// RxCmd submits a newly-received SCSI command for preprocessing.
	// BACKEND calls back Core.PreprocessingDone asynchronously once
	// preprocessing completes.
	RxCmd(ctx context.Context, req *Request) (Cmd, error)

	// InitStage1Done signals BACKEND to start preprocessing on a
	// command it has already accepted via RxCmd.
	InitStage1Done(cmd Cmd)

	// RestartCmd resumes BACKEND processing after write data has been
	// fully received (or a read's data has been fully queued).
	RestartCmd(cmd Cmd, status Status, context any)

	// TgtCmdDone finalizes a command; BACKEND may release its own
	// resources here.
	TgtCmdDone(cmd Cmd)

	// RxMgmtFnTag submits a task-management function that targets a
	// single referenced task tag (ABORT TASK).
	RxMgmtFnTag(fn TMFunction, tag uint32, tgtPriv any) (Cmd, error)

	// RxMgmtFnLun submits a task-management function that targets a
	// LUN or the whole session/target (ABORT TASK SET, LUN RESET, etc).
	RxMgmtFnLun(fn TMFunction, lun uint64, tgtPriv any) (Cmd, error)

	// SetCallbacks registers the core's callback surface. Called once
	// by package target at startup, before any connection is served.
	SetCallbacks(cb Callbacks)
}

// TMFunction mirrors pdu.TaskMgmtFunction without importing package pdu,
// keeping backend a leaf package next to cmnd.
type TMFunction int

const (
	TMAbortTask TMFunction = iota + 1
	TMAbortTaskSet
	TMClearACA
	TMClearTaskSet
	TMLogicalUnitReset
	TMTargetWarmReset
	TMTargetColdReset
	TMTaskReassign
)

// Request describes a prepared SCSI command handed to RxCmd (spec.md
// §4.5.1 "Construct a BACKEND command").
type Request struct {
	LUN       uint64
	CDB       []byte
	Direction Direction
	ExpectedTransferLen int
	ExpectedBidiReadLen int
	QueueAttr QueueAttr
}

// Response is what BACKEND supplies to Core.XmitResponse (spec.md §4.8
// "xmit_response callback from BACKEND").
type Response struct {
	Status       Status
	Sense        []byte
	Data         []byte // read data, nil for write-only/TM commands
	ResidualOK   bool   // true if transfer matched expected length exactly
	Underflow    bool
	Overflow     bool
	BidiData     []byte
	BidiUnderflow bool
	BidiOverflow  bool
}

// Callbacks is the outbound-to-core surface (spec.md §6 "BACKEND
// callbacks (outbound to core)"). The core (internal/iscsi/executor)
// implements this; executor.New does not register it. The caller hands
// it to the Backend through SetCallbacks (package target registers a
// router that forwards to each session's executor).
type Callbacks interface {
	// PreprocessingDone wakes the request blocked in SCSI command
	// start, transitioning state to AFTER_PREPROC.
	PreprocessingDone(cmd Cmd)

	// PreExec runs just before BACKEND executes: the core reports here
	// a data-digest failure already recorded on the command as its data
	// arrived (spec.md §4.6.1 "Pre-exec hook").
	PreExec(cmd Cmd) error

	// XmitResponse is called when BACKEND has a final response ready;
	// the core emits response PDUs (spec.md §4.8 xmit_response).
	XmitResponse(cmd Cmd, resp Response)

	// TaskMgmtFnDone is called when a task-management function
	// completes; the core emits the TM response (spec.md §4.8).
	TaskMgmtFnDone(cmd Cmd, status TMStatus)

	// AllocDataBuf is an optional hint BACKEND may call when it cannot
	// itself provide a zero-copy buffer.
	AllocDataBuf(cmd Cmd, size int) []byte
}
