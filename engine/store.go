/*
store.go - Persistence interface for loans and their schedules

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never holds a database handle; the Coordinator is given a TxStore and
  every multi-record change goes through WithTx.

KEY INTERFACES:
  LoanStore:        loan aggregate, optimistic Version check on update
  InstallmentStore: schedule rows, appended once and then only updated
  PaymentStore:     append-only payment records with idempotency keys
  ProposalStore:    renegotiated-rate offers
  TxStore:          all of the above plus atomic WithTx

WRITE RULES:
  - Installments are appended in one batch by the materializer and never
    deleted. UpdateInstallments only changes Remaining, Status and PaidAt.
  - Payments have no update or delete.
  - UpdateLoan fails with ErrConcurrentModification when loan.Version does
    not match the stored row; on success the stored Version is loan.Version+1.

IDEMPOTENCY:
  A payment with a non-empty IdempotencyKey that was already used is
  rejected with ErrDuplicatePayment and nothing is written.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, for tests and dev
  - store/sqlstore: SQLite and PostgreSQL

SEE ALSO:
  - lifecycle.go: the only writer
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type LoanStore interface {
	CreateLoan(ctx context.Context, loan Loan) error

	// GetLoan returns a *NotFoundError when the loan does not exist.
	GetLoan(ctx context.Context, id LoanID) (Loan, error)

	// UpdateLoan writes loan if its Version matches the stored one.
	UpdateLoan(ctx context.Context, loan Loan) error

	// ListLoans returns matching loans, newest first.
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
}

type InstallmentStore interface {
	// AppendInstallments persists a freshly materialized schedule atomically.
	AppendInstallments(ctx context.Context, installments []Installment) error

	// ListInstallments returns all installments of a loan by ascending sequence.
	ListInstallments(ctx context.Context, loanID LoanID) ([]Installment, error)

	// UpdateInstallments writes the allocation state of existing installments.
	UpdateInstallments(ctx context.Context, installments []Installment) error

	// InstallmentsDue returns Pending installments of every loan with a due
	// date in [from, to], ordered by due date then loan.
	InstallmentsDue(ctx context.Context, from, to time.Time) ([]Installment, error)
}

type PaymentStore interface {
	// AppendPayment records a payment. Append-only.
	AppendPayment(ctx context.Context, payment Payment) error

	// ListPayments returns a loan's payments in the order they were made.
	ListPayments(ctx context.Context, loanID LoanID) ([]Payment, error)

	// PaymentKeyExists checks if an idempotency key was already used.
	PaymentKeyExists(ctx context.Context, key string) (bool, error)
}

type ProposalStore interface {
	CreateProposal(ctx context.Context, proposal Proposal) error
	GetProposal(ctx context.Context, id ProposalID) (Proposal, error)
	UpdateProposal(ctx context.Context, proposal Proposal) error
	ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error)
}

// Store is everything the Coordinator persists.
type Store interface {
	LoanStore
	InstallmentStore
	PaymentStore
	ProposalStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
