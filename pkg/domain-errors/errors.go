// Package domainerrors defines the coded error taxonomy returned to command
// issuers. Every rejected command carries a Code and, where relevant, the
// invariant that failed and the entity ids involved, so callers can log and act
// on the error without inspecting engine state.
package domainerrors

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeInvalidState       Code = "invalid_state"
	CodeValidation         Code = "validation_failed"
	CodeConflict           Code = "conflict"
	CodeCycleDetected      Code = "cycle_detected"
	CodeDuplicateEvent     Code = "duplicate_event"
	CodeTimeout            Code = "timeout"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeInternal           Code = "internal"
)

// Error is a domain error with a stable code and optional structured detail.
type Error struct {
	Code      Code
	Message   string
	Invariant string
	Entities  []string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Invariant != "" {
		fmt.Fprintf(&b, " [invariant=%s]", e.Invariant)
	}
	if len(e.Entities) > 0 {
		fmt.Fprintf(&b, " [entities=%s]", strings.Join(e.Entities, ","))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithInvariant names the business rule that rejected the command.
func (e *Error) WithInvariant(name string) *Error {
	e.Invariant = name
	return e
}

// WithEntities attaches the ids of the entities the error is about.
func (e *Error) WithEntities(ids ...fmt.Stringer) *Error {
	for _, id := range ids {
		e.Entities = append(e.Entities, id.String())
	}
	return e
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the outermost domain error in err's chain, or
// CodeInternal for errors that never passed through this package.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether any domain error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// As extracts the outermost domain error.
func As(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}
