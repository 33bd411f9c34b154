// Package errs defines the error taxonomy shared by the registration and
// fusion packages.
//
// Lower-level packages (volume, transform, psf, ...) return these errors
// immediately and never swallow them. Only the pipeline package catches them
// per timepoint and aggregates them into an outcome table.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in this module.
	KindUnknown Kind = iota

	// KindConfiguration covers invalid chunk/halo sizing, mismatched voxel
	// spacing between views and incompatible dtypes. Always fatal to the call.
	KindConfiguration

	// KindNumerical covers singular or ill-conditioned transforms and hard
	// optimizer faults such as a non-finite cost.
	KindNumerical

	// KindAlignment is returned when the chunk grids of two combined volumes
	// do not match. The caller must rechunk explicitly.
	KindAlignment

	// KindPartialPipelineFailure marks a batch in which at least one
	// timepoint failed while its siblings were still processed.
	KindPartialPipelineFailure
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindNumerical:
		return "NumericalError"
	case KindAlignment:
		return "AlignmentError"
	case KindPartialPipelineFailure:
		return "PartialPipelineFailure"
	default:
		return "UnknownError"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrConfiguration          = &Error{Kind: KindConfiguration}
	ErrNumerical              = &Error{Kind: KindNumerical}
	ErrAlignment              = &Error{Kind: KindAlignment}
	ErrPartialPipelineFailure = &Error{Kind: KindPartialPipelineFailure}
)

// Error is the concrete error type of the taxonomy.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "volume.MapChunks".
	Op  string
	Msg string
	// Err is the wrapped cause, if any.
	Err error
	// Diagnostics holds state useful to the caller, e.g. the last valid
	// optimizer parameters of a numerical failure.
	Diagnostics map[string]any
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += " in " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. A sentinel with
// no Op or Msg matches every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return (t.Op == "" || t.Op == e.Op) && (t.Msg == "" || t.Msg == e.Msg)
}

// Configuration returns a KindConfiguration error.
func Configuration(op, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Alignment returns a KindAlignment error.
func Alignment(op, format string, args ...any) error {
	return &Error{Kind: KindAlignment, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Numerical returns a KindNumerical error with optional diagnostics.
func Numerical(op string, diagnostics map[string]any, format string, args ...any) error {
	return &Error{Kind: KindNumerical, Op: op, Msg: fmt.Sprintf(format, args...), Diagnostics: diagnostics}
}

// Wrap attaches a kind and operation to an existing error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// DiagnosticsOf returns the diagnostics of the first *Error in err's chain.
func DiagnosticsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Diagnostics
	}
	return nil
}
