package queue

import (
	"errors"
	"strings"
)

var (
	ErrValidation        = errors.New("queue: validation failed")
	ErrNotFound          = errors.New("queue: entry not found")
	ErrConflict          = errors.New("queue: status conflict")
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	ErrNotCancellable    = errors.New("queue: entry not cancellable")
)

// User-facing error codes returned in API error bodies.
const (
	CodeInvalidRequest   = "call/invalid-request"
	CodeInvalidRecipient = "call/invalid-recipient"
	CodeUnknownTemplate  = "call/unknown-template"
	CodeMissingVariables = "call/missing-variables"
	CodeNotFound         = "call/not-found"
	CodeNotCancellable   = "call/not-cancellable"
)

// ValidationError describes rejected admission input. It matches ErrValidation
// with errors.Is.
type ValidationError struct {
	Code    string
	Message string
	Missing []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return e.Message + ": " + strings.Join(e.Missing, ", ")
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ErrorKind marks validation failures as never retryable.
func (e *ValidationError) ErrorKind() string { return "validation" }

func invalid(code, msg string) error {
	return &ValidationError{Code: code, Message: msg}
}
