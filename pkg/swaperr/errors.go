package swaperr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is a stable numeric identifier for a class of domain failure.
// Codes never change once published; transports map them as they see fit.
type Code int

const (
	// Validation covers sub-dust amounts, malformed identifiers and the like.
	// Never retried.
	Validation Code = 1000

	// InsufficientLiquidity means no combination of open orders covers the request.
	InsufficientLiquidity Code = 2000
	// InsufficientFunds means funding was exhausted before outputs and fee were covered.
	InsufficientFunds Code = 2001
	// NoAssetOutputsAvailable means a party holds no eligible asset-bearing output.
	NoAssetOutputsAvailable Code = 2002

	// RemoteReservation means a maker declined or did not answer a reservation.
	RemoteReservation Code = 3000
	// ProtocolDecode means a bus message could not be decoded.
	ProtocolDecode Code = 3001
	// RemoteSign means a maker refused to sign or returned an unusable signature.
	RemoteSign Code = 3002

	// LedgerOutOfSync means a data provider lags the ledger tip.
	LedgerOutOfSync Code = 4000
	// BroadcastFailure means the ledger rejected the transaction.
	BroadcastFailure Code = 4001

	// Storage covers persistence failures.
	Storage Code = 5000
	// Internal covers everything else.
	Internal Code = 5001
)

var codeNames = map[Code]string{
	Validation:              "validation_error",
	InsufficientLiquidity:   "insufficient_liquidity",
	InsufficientFunds:       "insufficient_funds",
	NoAssetOutputsAvailable: "no_asset_outputs_available",
	RemoteReservation:       "remote_reservation_error",
	ProtocolDecode:          "protocol_decode_error",
	RemoteSign:              "remote_sign_error",
	LedgerOutOfSync:         "ledger_out_of_sync",
	BroadcastFailure:        "broadcast_failure",
	Storage:                 "storage_error",
	Internal:                "internal_error",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is the single domain error type. Message is human readable; Err is
// the optional underlying cause and carries a stack trace when present.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error, preserving (or adding) its stack trace.
func Wrap(code Code, err error, format string, args ...any) *Error {
	e := New(code, format, args...)
	if err == nil {
		return e
	}
	if _, ok := err.(StackTracer); ok {
		e.Err = err
	} else {
		e.Err = pkgerrors.WithStack(err)
	}
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, int(e.Code), e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error with the same code. A target
// carrying a message must match it too, so sentinels compare by code only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// StackTracer is implemented by causes wrapped with github.com/pkg/errors.
type StackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// StackTrace returns the stack of the underlying cause, if any.
func (e *Error) StackTrace() pkgerrors.StackTrace {
	if st, ok := e.Err.(StackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// Sentinels for errors.Is checks.
var (
	ErrValidation              = &Error{Code: Validation}
	ErrInsufficientLiquidity   = &Error{Code: InsufficientLiquidity}
	ErrInsufficientFunds       = &Error{Code: InsufficientFunds}
	ErrNoAssetOutputsAvailable = &Error{Code: NoAssetOutputsAvailable}
	ErrRemoteReservation       = &Error{Code: RemoteReservation}
	ErrProtocolDecode          = &Error{Code: ProtocolDecode}
	ErrRemoteSign              = &Error{Code: RemoteSign}
	ErrLedgerOutOfSync         = &Error{Code: LedgerOutOfSync}
	ErrBroadcastFailure        = &Error{Code: BroadcastFailure}
	ErrStorage                 = &Error{Code: Storage}
)

// CodeOf extracts the domain code from err, or Internal when err is not a
// domain error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Retryable reports whether a caller may reasonably retry the operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case InsufficientLiquidity, RemoteReservation, LedgerOutOfSync:
		return true
	default:
		return false
	}
}
