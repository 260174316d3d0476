// Package errs defines the governance runtime's error taxonomy. Every
// subsystem returns one of these kinds, wrapped with enough context for
// callers to errors.As against the taxonomy instead of string-matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the taxonomy from the propagation policy: validation
// errors surface to the caller without mutating state, execution traps are
// captured into a Failed receipt, federation errors surface as events and
// halt dependent progress, InternalError is fatal.
type Kind string

const (
	MalformedEncoding    Kind = "MalformedEncoding"
	InvalidSignature     Kind = "InvalidSignature"
	UnknownIssuer        Kind = "UnknownIssuer"
	NonMonotonicIssuer   Kind = "NonMonotonicIssuer"
	MissingParent        Kind = "MissingParent"
	OutOfFuel            Kind = "OutOfFuel"
	OutOfMemory          Kind = "OutOfMemory"
	BadString            Kind = "BadString"
	UnauthorizedResource Kind = "UnauthorizedResource"
	InsufficientBalance  Kind = "InsufficientBalance"
	PolicyViolation      Kind = "PolicyViolation"
	QuorumNotMet         Kind = "QuorumNotMet"
	BundleFork           Kind = "BundleFork"
	ReplicationShortfall Kind = "ReplicationShortfall"
	NotFound             Kind = "NotFound"
	Cancelled            Kind = "Cancelled"
	Timeout              Kind = "Timeout"
	InternalError        Kind = "InternalError"
	MissingDependency    Kind = "MissingDependency"
)

// E is a taxonomy-carrying error. DuplicateCid is deliberately absent from
// the taxonomy: a repeated put is coalesced, never an error.
type E struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *E) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no underlying cause.
func New(kind Kind, msg string) error {
	return &E{Kind: kind, Msg: msg}
}

// Wrap attaches a taxonomy kind and message to an underlying error. Returns
// nil if err is nil, mirroring the teacher's utils.Wrap helper.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &E{Kind: kind, Msg: msg, Cause: err}
}

// Is reports whether err carries the given taxonomy kind anywhere in its
// chain.
func Is(err error, kind Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the taxonomy kind from err, or InternalError if err does
// not carry one.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}
