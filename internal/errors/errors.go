// Package errors provides error handling for quarterpatch.
//
// It re-exports github.com/cockroachdb/errors and defines the patch-cycle error
// taxonomy. Taxonomy errors are sentinels; wrap them (or Mark another error with
// them) to keep the classification while adding context:
//
//	return errors.Wrapf(errors.ErrThresholdExceeded, "root disk at %d%%", used)
//
// KindOf maps any error back to the Kind persisted on execution results.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Patch-cycle taxonomy.
var (
	// ErrConnectivity is a transient transport failure; retried inside the engine.
	ErrConnectivity = New("connectivity error")

	// ErrUnsupportedPlatform means no package-manager adapter matches the host.
	ErrUnsupportedPlatform = New("unsupported platform")

	// ErrThresholdExceeded means a resource pre-check measured above its limit.
	ErrThresholdExceeded = New("threshold exceeded")

	// ErrInvalidTransition means an event is undefined for the current state.
	// It always indicates an ordering bug in the caller.
	ErrInvalidTransition = New("invalid transition")

	// ErrSchedulingConflict means no slot satisfies the constraints.
	ErrSchedulingConflict = New("scheduling conflict")

	// ErrInfrastructureUnavailable aborts a batch before any mutation.
	ErrInfrastructureUnavailable = New("infrastructure unavailable")

	// ErrValidationFailed covers rejected input and failed post-patch validation.
	ErrValidationFailed = New("validation failed")

	// ErrCommandFailed is a non-zero exit from a remote command. Never auto-retried.
	ErrCommandFailed = New("command failed")

	// ErrTimeout indicates a remote phase exceeded its deadline.
	ErrTimeout = New("operation timed out")

	// ErrNotFound indicates the requested server record does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidDate rejects malformed calendar input.
	ErrInvalidDate = New("invalid date")
)

// Kind is the persisted classification of an error.
type Kind string

const (
	KindNone                      Kind = ""
	KindConnectivity              Kind = "ConnectivityError"
	KindUnsupportedPlatform       Kind = "UnsupportedPlatform"
	KindThresholdExceeded         Kind = "ThresholdExceeded"
	KindInvalidTransition         Kind = "InvalidTransition"
	KindSchedulingConflict        Kind = "SchedulingConflict"
	KindInfrastructureUnavailable Kind = "InfrastructureUnavailable"
	KindValidationFailed          Kind = "ValidationFailed"
	KindCommandFailed             Kind = "CommandFailed"
	KindTimeout                   Kind = "Timeout"
	KindUnknown                   Kind = "Unknown"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrInfrastructureUnavailable, KindInfrastructureUnavailable},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrUnsupportedPlatform, KindUnsupportedPlatform},
	{ErrThresholdExceeded, KindThresholdExceeded},
	{ErrSchedulingConflict, KindSchedulingConflict},
	{ErrValidationFailed, KindValidationFailed},
	{ErrTimeout, KindTimeout},
	{ErrConnectivity, KindConnectivity},
	{ErrCommandFailed, KindCommandFailed},
}

// KindOf classifies err. Nil maps to KindNone, unclassified errors to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}

// IsInfrastructure reports whether err must abort a batch.
func IsInfrastructure(err error) bool {
	return Is(err, ErrInfrastructureUnavailable)
}

// Infrastructure marks err as InfrastructureUnavailable, keeping its message.
func Infrastructure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrInfrastructureUnavailable)
}
