// Package ecerr holds the error taxonomy shared by every layer of the master.
package ecerr

import (
	"errors"
	"fmt"
)

// Kind groups errors by how a caller is expected to react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers frame exhaustion, timeouts and link failures.
	KindTransport
	// KindConsistency is a working counter mismatch.
	KindConsistency
	// KindCapacity is a fixed bound that was configured too small.
	KindCapacity
	// KindState is a slave refusing or failing an AL state transition.
	KindState
	// KindProtocol is a malformed or rejected mailbox/EEPROM exchange.
	KindProtocol
	// KindInternal is an invariant violation.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindConsistency:
		return "consistency"
	case KindCapacity:
		return "capacity"
	case KindState:
		return "state"
	case KindProtocol:
		return "protocol"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

var (
	ErrNoAvailableFrames  = errors.New("no available frames")
	ErrTimeout            = errors.New("timeout")
	ErrClosed             = errors.New("pdu loop closed")
	ErrStaleResponse      = errors.New("stale response")
	ErrTooManySlaves      = errors.New("too many slaves for group")
	ErrGroupNotConfigured = errors.New("group not configured")
	ErrInternal           = errors.New("internal error")
)

// WorkingCounterError reports a working counter that differs from the value
// the master expected for a PDU.
type WorkingCounterError struct {
	Expected uint16
	Received uint16
	Context  string
}

func (e *WorkingCounterError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("working counter: expected %d, received %d", e.Expected, e.Received)
	}
	return fmt.Sprintf("working counter (%s): expected %d, received %d", e.Context, e.Expected, e.Received)
}

// PdiTooLongError is returned when the process data of a group does not fit
// its configured PDI capacity.
type PdiTooLongError struct {
	Desired  int
	Required int
}

func (e *PdiTooLongError) Error() string {
	return fmt.Sprintf("pdi too long: capacity %d bytes, required %d bytes", e.Desired, e.Required)
}

// StateError is returned when a slave does not reach a requested AL state.
type StateError struct {
	Station    uint16
	Requested  string
	Actual     string
	StatusCode uint16
}

func (e *StateError) Error() string {
	return fmt.Sprintf("slave %#04x: requested %s, stuck in %s (AL status code %#04x)",
		e.Station, e.Requested, e.Actual, e.StatusCode)
}

// SdoAbortError is an SDO abort transfer answered by a slave.
type SdoAbortError struct {
	Index    uint16
	SubIndex uint8
	Code     uint32
	Text     string
}

func (e *SdoAbortError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("sdo abort %#08x @ %04X:%02X: %s", e.Code, e.Index, e.SubIndex, e.Text)
	}
	return fmt.Sprintf("sdo abort %#08x @ %04X:%02X", e.Code, e.Index, e.SubIndex)
}

// Error attaches an operation name and a kind to an underlying error.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an Error with the provided context.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf classifies err into the taxonomy. Wrapped errors are unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		wc    *WorkingCounterError
		pdi   *PdiTooLongError
		state *StateError
		abort *SdoAbortError
		e     *Error
	)
	switch {
	case errors.As(err, &wc):
		return KindConsistency
	case errors.As(err, &pdi), errors.Is(err, ErrTooManySlaves):
		return KindCapacity
	case errors.As(err, &state):
		return KindState
	case errors.As(err, &abort):
		return KindProtocol
	case errors.Is(err, ErrNoAvailableFrames), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrClosed), errors.Is(err, ErrStaleResponse):
		return KindTransport
	case errors.Is(err, ErrInternal), errors.Is(err, ErrGroupNotConfigured):
		return KindInternal
	case errors.As(err, &e):
		return e.Kind
	}
	return KindUnknown
}

// Fatal reports whether err must abort startup instead of being retried.
// A joined error is fatal when any of its members is.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindCapacity, KindState, KindInternal:
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if Fatal(e) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return Fatal(u.Unwrap())
	}
	return false
}
