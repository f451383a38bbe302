package runtime

import (
	"errors"
	"fmt"
)

// Invocation failure kinds. Every error returned by the loader or the invoker
// matches exactly one of these with errors.Is.
var (
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrMalformedArtifact = errors.New("malformed artifact")
	ErrFormatMismatch    = errors.New("format mismatch")
	ErrImportUnsatisfied = errors.New("import unsatisfied")
	ErrExportNotFound    = errors.New("export not found")
	ErrRuntimeTrap       = errors.New("runtime trap")
	ErrNoPayloadFound    = errors.New("no payload found")
	ErrTimeout           = errors.New("invocation timed out")
)

// InvocationError is the structured failure handed back to callers.
//
// Kind is one of the sentinel errors above. Detail carries whatever diagnostic
// text was available: captured stderr for traps, the raw stdout when no
// payload was found.
type InvocationError struct {
	Kind   error
	Plugin string
	Op     string
	Detail string
	Err    error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("plugin %s", e.Plugin)
	if e.Op != "" {
		msg += fmt.Sprintf(" (%s)", e.Op)
	}
	switch {
	case e.Err == nil:
		msg += ": " + e.Kind.Error()
	case errors.Is(e.Err, e.Kind):
		// the cause already names the kind
		msg += ": " + e.Err.Error()
	default:
		msg += ": " + e.Kind.Error() + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *InvocationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newInvocationError(kind error, plugin, op string, err error) *InvocationError {
	return &InvocationError{Kind: kind, Plugin: plugin, Op: op, Err: err}
}

// KindOf returns the failure kind carried by err, or nil if err is not an
// invocation failure.
func KindOf(err error) error {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	for _, kind := range []error{
		ErrArtifactNotFound, ErrMalformedArtifact, ErrFormatMismatch,
		ErrImportUnsatisfied, ErrExportNotFound, ErrRuntimeTrap,
		ErrNoPayloadFound, ErrTimeout,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
