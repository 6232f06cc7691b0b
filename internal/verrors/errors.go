// Package verrors defines the structured error records the engine persists
// alongside commits and uses to drive recovery.
package verrors

import (
	"errors"
	"fmt"
)

// Kind classifies an execution error.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindUnresolvedVariable Kind = "UnresolvedVariable"
	KindToolNotFound       Kind = "ToolNotFound"
	KindToolNotAllowed     Kind = "ToolNotAllowed"
	KindToolFailed         Kind = "ToolFailed"
	KindLLMParse           Kind = "LLMParseError"
	KindTimeout            Kind = "Timeout"
	KindCancelled          Kind = "Cancelled"
	KindInternal           Kind = "InternalError"
)

// Error is a structured, JSON-serializable error record.
//
// SeqNo is the instruction the error occurred at; -1 when the error is not
// tied to a specific instruction.
type Error struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	SeqNo   int               `json:"seq_no"`
	Details map[string]string `json:"details,omitempty"`

	cause error
}

// New creates an Error of the given kind without an instruction position.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), SeqNo: -1}
}

// Wrap creates an Error that records cause for unwrapping.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

// At returns a copy of the error pinned to an instruction seq_no.
func (e *Error) At(seqNo int) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.SeqNo = seqNo
	return &clone
}

// WithDetail attaches a key/value pair to the error's details map.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.SeqNo >= 0 {
		return fmt.Sprintf("%s at seq_no %d: %s", e.Kind, e.SeqNo, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by kind so callers can use errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError coerces err into an *Error, wrapping foreign errors as InternalError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "%v", err)
}

// Terminal reports whether the error kind permits no recovery attempt.
func Terminal(kind Kind) bool {
	return kind == KindCancelled || kind == KindInternal
}
