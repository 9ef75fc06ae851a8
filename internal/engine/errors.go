package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine failures. None of them are retried by the engine.
type Kind string

const (
	KindValidation   Kind = "validation_failed"
	KindPrecondition Kind = "precondition_failed"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
)

// Sentinels for errors.Is; every *Error matches the sentinel of its Kind.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrPrecondition = &Error{Kind: KindPrecondition}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
)

type Error struct {
	Kind      Kind
	Op        string
	RequestID string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		sb.WriteString(e.Msg)
	case e.Err != nil:
		sb.WriteString(e.Err.Error())
	default:
		sb.WriteString(string(e.Kind))
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, ErrConflict) works for any conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// ErrorCode maps the kind to the code used on the wire.
func (e *Error) ErrorCode() string {
	switch e.Kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindPrecondition:
		return "PRECONDITION_FAILED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	default:
		return "INTERNAL_ERROR"
	}
}

func (e *Error) FormatStderr() string {
	if ve, ok := e.Err.(*ValidationErrors); ok {
		return ve.FormatStderr()
	}
	return fmt.Sprintf("error: %s\n", e.Error())
}

// KindOf returns the kind of err, or "" for errors the engine did not classify.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op, requestID, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, RequestID: requestID, Msg: fmt.Sprintf(format, args...)}
}

type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects field-level problems so callers see all of them at once.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// asError wraps collected field errors as a validation *Error, or returns nil.
func (ve *ValidationErrors) asError(op string) error {
	if !ve.HasErrors() {
		return nil
	}
	return &Error{Kind: KindValidation, Op: op, Err: ve}
}
