// Package apperr defines the semantic error kinds surfaced by the audit service.
//
// Every failure that leaves the orchestrator or the report store carries exactly one
// Kind so the HTTP layer can pick a status code without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a semantic error category. Kinds are comparable sentinels and match
// through errors.Is on any *Error that carries them.
type Kind interface {
	error
	isKind()
}

type kind struct{ s string }

func (k kind) Error() string { return k.s }
func (k kind) isKind()       {}

// NewKind creates a new semantic error kind.
func NewKind(name string) Kind { return kind{s: name} }

// Kinds used across the service.
var (
	// ErrInput marks malformed or missing request input. Never reaches the browser.
	ErrInput = NewKind("INPUT_ERROR")
	// ErrLaunch marks a browser process that failed to start or never became reachable.
	ErrLaunch = NewKind("LAUNCH_ERROR")
	// ErrScoring marks a scoring engine fault or an incomplete result.
	ErrScoring = NewKind("SCORING_ERROR")
	// ErrPersistence marks a completed report that could not be written.
	ErrPersistence = NewKind("PERSISTENCE_ERROR")
	// ErrNotFound marks a report identity that does not exist.
	ErrNotFound = NewKind("NOT_FOUND")
	// ErrCorrupt marks a report identity whose content cannot be parsed.
	ErrCorrupt = NewKind("CORRUPT_REPORT")
)

// Error carries a kind, a human readable message and an optional cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New constructs an error of the given kind with a formatted message.
func New(k Kind, msgFmt string, args ...any) *Error {
	return &Error{kind: k, msg: fmt.Sprintf(msgFmt, args...)}
}

// Wrap constructs an error of the given kind around cause.
func Wrap(k Kind, cause error, msgFmt string, args ...any) *Error {
	return &Error{kind: k, err: cause, msg: fmt.Sprintf(msgFmt, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.msg != "" && e.err != nil:
		return e.msg + ": " + e.err.Error()
	case e.msg != "":
		return e.msg
	case e.err != nil:
		return e.err.Error()
	case e.kind != nil:
		return e.kind.Error()
	default:
		return "unknown error"
	}
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.err }

// Is matches either the kind sentinel or anything in the cause chain.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return e == nil && target == nil
	}
	if e.kind != nil && errors.Is(e.kind, target) {
		return true
	}
	return e.err != nil && errors.Is(e.err, target)
}

// Kind returns the kind attached to the error.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the message without the cause.
func (e *Error) Message() string { return e.msg }

// Cause returns the wrapped cause, possibly nil.
func (e *Error) Cause() error { return e.err }

// KindOf returns the kind of the outermost *Error in err's chain, or nil.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return nil
}

// Details returns the cause text for err, or "" when there is none.
func Details(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.err != nil {
		return ae.err.Error()
	}
	return ""
}

// Message returns the message of the outermost *Error, falling back to err.Error().
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.msg != "" {
		return ae.msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps a kind to the status code the API responds with.
func HTTPStatus(k Kind) int {
	switch k {
	case ErrInput:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
