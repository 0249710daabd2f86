package pylon

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies a session failure so callers can decide how to react
// without parsing message strings. Every kind is recoverable: the session
// that produced it can run further operations.
type ErrorKind int

const (
	// KindGeneric wraps failures with no more specific classification.
	KindGeneric ErrorKind = iota

	// KindCodegen covers code generation failures.
	KindCodegen

	// KindRelayHint covers unusable relay endpoint configuration.
	KindRelayHint

	// KindURLParse covers unusable rendezvous endpoint configuration.
	KindURLParse

	// KindTransfer covers failures while negotiating or moving file data.
	KindTransfer

	// KindInternal covers handshake-layer failures and cancelled waits.
	KindInternal

	// KindBuilder covers invalid session construction parameters.
	KindBuilder
)

func (k ErrorKind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindCodegen:
		return "codegen"
	case KindRelayHint:
		return "relay-hint"
	case KindURLParse:
		return "url-parse"
	case KindTransfer:
		return "transfer"
	case KindInternal:
		return "internal"
	case KindBuilder:
		return "builder"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the failure type returned by all session operations. Message is
// human-readable on its own; Err, when set, carries the underlying cause for
// errors.Is and errors.As.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON serializes the error as its display string, matching how
// session errors are surfaced to embedding applications.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Error())
}

// newError builds an *Error carrying only a message.
func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Session state messages. The wording is part of the library's contract
// with embedding applications and must not drift between releases.
const (
	msgPendingHandshake = "The current Pylon already has a pending handshake"
	msgNoHandshake      = "There is currently no active handshake"
	msgPendingRequest   = "The current Pylon already has a pending transfer request"
	msgNoRequest        = "There is currently no active transfer request"
	msgNoFileName       = "could not extract file name"
)

// classify wraps err as an *Error. Errors that already carry a kind pass
// through; everything else, cancellations included, takes the kind of the
// layer that produced it.
func classify(err error, layer ErrorKind) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	return &Error{Kind: layer, Err: err}
}
