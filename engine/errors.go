/*
errors.go - Centralized error types for the loan engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is; the structured types
  carry the context needed for a useful message.

ERROR CATEGORIES:
  1. InvalidInput   - non-positive principal/term/amount, negative rate
  2. NotFound       - unknown loan, installment or proposal
  3. InvalidState   - operation not allowed in the current status
  4. AlreadySettled - payment submitted when nothing is left to pay
  5. Store errors   - optimistic-lock conflicts, duplicate idempotency keys

Every failure is reported synchronously. Nothing is retried inside the
engine; IsRetryable tells the calling layer which errors may succeed later.
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when the aggregate's status forbids the
	// operation (payment on a non-active loan, approval of a non-pending loan,
	// response to an already answered proposal).
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadySettled is returned when a payment arrives for a loan with no
	// Pending installment left.
	ErrAlreadySettled = errors.New("loan already settled")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicatePayment is returned when a payment idempotency key was already used.
	ErrDuplicatePayment = errors.New("duplicate payment idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

type NotFoundError struct {
	Kind string // "loan", "installment", "proposal"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// StateError reports an operation attempted against the wrong status.
type StateError struct {
	Kind      string
	ID        string
	Status    string
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Operation, e.Kind, e.ID, e.Status)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// SettledError reports a payment against a loan with nothing left to pay.
type SettledError struct {
	LoanID LoanID
}

func (e *SettledError) Error() string {
	return fmt.Sprintf("loan %s has no pending installments", e.LoanID)
}

func (e *SettledError) Unwrap() error {
	return ErrAlreadySettled
}

// LoanNotFound and ProposalNotFound let store implementations report misses
// with the same structured error the engine uses.
func LoanNotFound(id LoanID) error {
	return &NotFoundError{Kind: "loan", ID: string(id)}
}

func ProposalNotFound(id ProposalID) error {
	return &NotFoundError{Kind: "proposal", ID: string(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the request clashes with the current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDuplicatePayment)
}
