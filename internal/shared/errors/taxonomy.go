package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the coordinator's failure taxonomy. Services return
// errors wrapping these; the HTTP layer maps them to status codes with
// errors.Is / errors.As.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalid      = errors.New("invalid")
	ErrAborted      = errors.New("aborted")
)

// NotFoundError reports a missing entity (or one hidden by scope).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound constructs a NotFoundError for the given entity kind and id.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports a state-machine rejection (claim race lost,
// completing an already-terminal worker, and so on).
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }
func (e *ConflictError) Unwrap() error { return ErrConflict }

// Conflictf constructs a ConflictError with a formatted reason.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// ForbiddenError reports sufficient auth but insufficient scope.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return e.Reason }
func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// Forbiddenf constructs a ForbiddenError with a formatted reason.
func Forbiddenf(format string, args ...any) error {
	return &ForbiddenError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidError reports bad input: cron syntax, missing fields, bad slugs.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return e.Reason }
func (e *InvalidError) Unwrap() error { return ErrInvalid }

// Invalidf constructs an InvalidError with a formatted reason.
func Invalidf(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// CapacityError reports that an account's concurrency admission limit was
// hit. Current and Limit are surfaced to the caller so it can back off.
type CapacityError struct {
	Current int
	Limit   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("concurrent worker limit reached (%d/%d)", e.Current, e.Limit)
}

// GateError reports a worker completion blocked by the output-completion
// gate. Hint names the action that would satisfy the requirement.
type GateError struct {
	Requirement string
	Hint        string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("output requirement %q not met", e.Requirement)
}

// AsCapacity extracts a CapacityError from err's chain, if present.
func AsCapacity(err error) (*CapacityError, bool) {
	var ce *CapacityError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsGate extracts a GateError from err's chain, if present.
func AsGate(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
