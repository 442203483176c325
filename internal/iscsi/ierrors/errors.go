// Package ierrors defines the core's internal error taxonomy (spec.md
// §7): ProtocolError, UnsupportedCommand, TaskInProgress,
// NegotiationViolation, and BackendSense. Each carries the disposition
// the receive/transmit pipelines key off of (emit Reject vs. close the
// connection vs. set sense data).
package ierrors

import "fmt"

// Kind classifies a core error for dispatch purposes.
type Kind int

const (
	// KindProtocolError covers malformed PDUs, bad CmdSN/ITT, and
	// reserved-tag misuse. Disposition: emit Reject, continue connection.
	KindProtocolError Kind = iota + 1

	// KindUnsupportedCommand covers opcodes this core does not
	// implement (Text, SNACK). Disposition: Reject, continue.
	KindUnsupportedCommand

	// KindTaskInProgress is a duplicate ITT. Disposition: Reject,
	// continue.
	KindTaskInProgress

	// KindNegotiationViolation covers oversized data, forbidden
	// immediate data, missing initial-R2T FINAL, too many iovecs.
	// Disposition: close the connection.
	KindNegotiationViolation

	// KindBackendSense covers backend-detected failures that must be
	// reported as SCSI sense data (e.g. data-digest CRC failure).
	// Disposition: set sense on the backend command; response carries
	// CHECK_CONDITION.
	KindBackendSense
)

// String names a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindProtocolError:
		return "ProtocolError"
	case KindUnsupportedCommand:
		return "UnsupportedCommand"
	case KindTaskInProgress:
		return "TaskInProgress"
	case KindNegotiationViolation:
		return "NegotiationViolation"
	case KindBackendSense:
		return "BackendSense"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// CoreError is the error type every start-phase/executor validation
// failure is wrapped in. RejectReason is only meaningful when Kind
// implies a Reject response (ProtocolError, UnsupportedCommand,
// TaskInProgress); it is the byte-1 reason code of the resulting
// Reject PDU (spec.md §6 Reject reason codes).
type CoreError struct {
	Kind         Kind
	Message      string
	RejectReason byte
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ClosesConnection reports whether this error's disposition is to close
// the connection rather than emit a Reject and continue (spec.md §7).
func (e *CoreError) ClosesConnection() bool {
	return e.Kind == KindNegotiationViolation
}

// Is supports errors.Is matching against a Kind-only sentinel built with
// New(kind, "").
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a CoreError of the given kind.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// NewProtocolError constructs a ProtocolError with the given Reject
// reason code.
func NewProtocolError(message string, reason byte) *CoreError {
	return &CoreError{Kind: KindProtocolError, Message: message, RejectReason: reason}
}

// NewUnsupportedCommand constructs an UnsupportedCommand error.
func NewUnsupportedCommand(message string) *CoreError {
	return &CoreError{Kind: KindUnsupportedCommand, Message: message, RejectReason: 0x05}
}

// NewTaskInProgress constructs a TaskInProgress (duplicate ITT) error.
func NewTaskInProgress(message string) *CoreError {
	return &CoreError{Kind: KindTaskInProgress, Message: message, RejectReason: 0x07}
}

// NewNegotiationViolation constructs a NegotiationViolation error.
func NewNegotiationViolation(message string) *CoreError {
	return &CoreError{Kind: KindNegotiationViolation, Message: message}
}

// NewBackendSense constructs a BackendSense error.
func NewBackendSense(message string) *CoreError {
	return &CoreError{Kind: KindBackendSense, Message: message}
}

// IsKind reports whether err is a *CoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Kind == kind
}
