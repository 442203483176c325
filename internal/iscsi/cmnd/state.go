package cmnd

// BackendState is the small state machine a request's BACKEND coupling
// progresses through (spec.md §3 "BACKEND coupling"). The receive
// pipeline's SCSI command start (§4.5.1) blocks in WaitStateNot until the
// state leaves RX_CMD.
type BackendState int

const (
	// StateNew is the initial state before BACKEND submission.
	StateNew BackendState = iota
	// StateRxCmd is set when the command is submitted to BACKEND and the
	// reader thread is blocked awaiting preprocessing completion.
	StateRxCmd
	// StateAfterPreproc is set by the PreprocessingDone callback.
	StateAfterPreproc
	// StateRestarted is set when the command is handed back to BACKEND
	// after R2T/Data-Out completion.
	StateRestarted
	// StateProcessed is terminal: either BACKEND produced a response, or
	// an error response was preposted before BACKEND was ever reached.
	StateProcessed
)

// String names a BackendState for logging.
func (s BackendState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRxCmd:
		return "RX_CMD"
	case StateAfterPreproc:
		return "AFTER_PREPROC"
	case StateRestarted:
		return "RESTARTED"
	case StateProcessed:
		return "PROCESSED"
	default:
		return "UNKNOWN"
	}
}
