package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the transfer core.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrInvalidState indicates the operation is not valid for the entity's current status.
type ErrInvalidState struct {
	Resource string
	Status   string
	Action   string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("cannot %s %s with status '%s'", e.Action, e.Resource, e.Status)
}

// ErrAccessDenied indicates an ownership check failed.
// The message never carries account or user identifiers.
type ErrAccessDenied struct{}

func (e *ErrAccessDenied) Error() string {
	return "access denied"
}

// ErrReservationDenied indicates the balance holder refused to reserve funds.
type ErrReservationDenied struct {
	TransactionID string
	Reason        string
}

func (e *ErrReservationDenied) Error() string {
	return fmt.Sprintf("balance reservation denied for transaction %s: %s", e.TransactionID, e.Reason)
}

// ErrRail indicates a settlement rail rejected or did not answer a submission.
type ErrRail struct {
	Rail    string
	Timeout bool
	Err     error
}

func (e *ErrRail) Error() string {
	if e.Timeout {
		return fmt.Sprintf("rail %s timed out", e.Rail)
	}
	return fmt.Sprintf("rail %s error: %v", e.Rail, e.Err)
}

func (e *ErrRail) Unwrap() error {
	return e.Err
}

// ErrRailTimeout is returned by rail adapters when the network did not answer in time.
var ErrRailTimeout = errors.New("rail timeout")

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrDuplicate indicates a unique key is already taken (idempotency key, reference number).
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrConflict indicates the entity changed since it was read (optimistic lock).
type ErrConflict struct {
	Resource string
	ID       string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Resource, e.ID)
}
