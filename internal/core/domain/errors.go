package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnreachable       = errors.New("training backend unreachable")
	ErrSeriesFrozen      = errors.New("metric series is frozen")
	ErrInvalidEpoch      = errors.New("epoch must be >= 0")
	ErrInvalidWindow     = errors.New("moving average window must be >= 1")
	ErrHandleReused      = errors.New("backend reissued a job handle from a previous run")
)

// FieldError describes one rejected JobConfig field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field violation found in one pass.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid job config: " + strings.Join(parts, "; ")
}

// Has reports whether field was rejected.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// SubmitErrorKind classifies a failed submission.
type SubmitErrorKind string

const (
	SubmitTransport SubmitErrorKind = "transport"
	SubmitRejected  SubmitErrorKind = "rejected"
	SubmitAuth      SubmitErrorKind = "auth"
)

// SubmitError is returned when the backend did not accept a job.
type SubmitError struct {
	Kind SubmitErrorKind
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s error: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Retryable is true only for transport failures.
func (e *SubmitError) Retryable() bool {
	return e.Kind == SubmitTransport
}

// InvalidTransitionError is returned when an event is not accepted in the current state.
type InvalidTransitionError struct {
	From  JobState
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s not allowed in state %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PollError is returned when polling gave up after consecutive failures.
type PollError struct {
	Failures int
	Last     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("%s after %d consecutive failures: %v", ErrUnreachable, e.Failures, e.Last)
}

func (e *PollError) Is(target error) bool {
	return target == ErrUnreachable
}

func (e *PollError) Unwrap() error { return e.Last }
