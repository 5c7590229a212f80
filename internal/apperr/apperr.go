// Package apperr defines the error kinds surfaced by the ledger, the approval
// gate, the loop guard and the workflow runner.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "record_not_found"
	KindDatabase            Kind = "database_error"
	KindApprovalRejected    Kind = "human_approval_rejected"
	KindWorkflowInterrupted Kind = "workflow_interrupted"
	KindLoopDetected        Kind = "loop_detected"
	KindMaxRetries          Kind = "max_retries_exceeded"
	KindCircuitOpen         Kind = "circuit_open"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrDatabase            = &Error{Kind: KindDatabase}
	ErrApprovalRejected    = &Error{Kind: KindApprovalRejected}
	ErrWorkflowInterrupted = &Error{Kind: KindWorkflowInterrupted}
	ErrLoopDetected        = &Error{Kind: KindLoopDetected}
	ErrMaxRetries          = &Error{Kind: KindMaxRetries}
	ErrCircuitOpen         = &Error{Kind: KindCircuitOpen}
)

const maxDescriptionLen = 100

// Error is a classified failure with enough context to render a structured
// explanation to the user.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Explanation renders the error as {error_type, message, details}.
func (e *Error) Explanation() map[string]any {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return map[string]any{
		"error_type": string(e.Kind),
		"message":    msg,
		"details":    details,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// With returns a copy of e with key set in its details.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func Validation(op, field, reason string, value any) *Error {
	return &Error{
		Kind:    KindValidation,
		Op:      op,
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]any{"field": field, "reason": reason, "value": value},
	}
}

func NotFound(op, entity, identifier string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Op:      op,
		Message: fmt.Sprintf("%s not found: %s", entity, identifier),
		Details: map[string]any{"entity_type": entity, "identifier": identifier},
	}
}

// Database wraps a storage failure. The description is truncated so full
// statements never reach the caller.
func Database(op, description string, err error) *Error {
	if len(description) > maxDescriptionLen {
		description = description[:maxDescriptionLen] + "..."
	}
	return &Error{
		Kind:    KindDatabase,
		Op:      op,
		Message: "database operation failed",
		Details: map[string]any{"query": description},
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
