/*
Package engine provides the loan amortization and payment-allocation core.

PURPOSE:
  This package owns every rule that moves money on a loan: computing the
  fixed installment, materializing the repayment schedule, and allocating
  incoming payments across outstanding installments. It knows nothing about
  HTTP or any particular database; persistence goes through the Store
  interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: integer amount in the smallest whole currency unit
  - Loan: the aggregate that owns status and the computed installment
  - Installment: one scheduled obligation with its remaining amount
  - Payment: immutable record of one allocation event
  - Proposal: a renegotiated-rate offer on a pending loan

DESIGN PRINCIPLES:
  1. Integers for money: no floating point anywhere a balance is stored
  2. Rates are decimal.Decimal so percent math is exact before rounding
  3. Typed IDs and typed statuses; transitions are checked in status.go
  4. Every timestamp is UTC and serializes as RFC 3339 with offset

SEE ALSO:
  - amortization.go: Calculate
  - schedule.go: MaterializeSchedule
  - allocation.go: Allocate
  - lifecycle.go: Coordinator
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is an amount in the smallest whole currency unit.
type Money int64

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string
type InstallmentID string
type PaymentID string
type ProposalID string

// =============================================================================
// LOAN
// =============================================================================

type Loan struct {
	ID          LoanID `json:"id"`
	ClientID    string `json:"client_id"`
	ClientEmail string `json:"client_email,omitempty"`
	LenderID    string `json:"lender_id,omitempty"`
	Purpose     string `json:"purpose,omitempty"`

	Principal         Money           `json:"principal"`
	AnnualRate        decimal.Decimal `json:"annual_rate"`
	TermMonths        int             `json:"term_months"`
	InstallmentAmount Money           `json:"installment_amount"`
	TotalAmount       Money           `json:"total_amount"`

	Status LoanStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is the optimistic concurrency token. Stores reject an update
	// whose Version does not match the stored row and bump it on success.
	Version int64 `json:"version"`
}

// TotalInterest is the interest portion of the total payable.
func (l Loan) TotalInterest() Money {
	return l.TotalAmount - l.Principal
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	ID       InstallmentID `json:"id"`
	LoanID   LoanID        `json:"loan_id"`
	Sequence int           `json:"sequence"`
	DueDate  time.Time     `json:"due_date"`

	// Amount is the fixed installment at materialization time; Remaining is
	// what is still owed and only ever goes down.
	Amount    Money `json:"amount"`
	Remaining Money `json:"remaining"`

	Status InstallmentStatus `json:"status"`
	PaidAt *time.Time        `json:"paid_at,omitempty"`
}

// Owed is the amount still due while the installment is Pending.
func (i Installment) Owed() Money {
	if i.Status != InstallmentPending || i.Remaining < 0 {
		return 0
	}
	return i.Remaining
}

// =============================================================================
// PAYMENT
// =============================================================================

type Payment struct {
	ID       PaymentID `json:"id"`
	LoanID   LoanID    `json:"loan_id"`
	Amount   Money     `json:"amount"`
	PaidAt   time.Time `json:"paid_at"`
	Sequence int       `json:"sequence"` // first Pending installment at allocation time
	Note     string    `json:"note,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// =============================================================================
// PROPOSAL
// =============================================================================

type Proposal struct {
	ID       ProposalID `json:"id"`
	LoanID   LoanID     `json:"loan_id"`
	LenderID string     `json:"lender_id"`
	Reason   string     `json:"reason,omitempty"`

	OriginalRate        decimal.Decimal `json:"original_rate"`
	ProposedRate        decimal.Decimal `json:"proposed_rate"`
	OriginalInstallment Money           `json:"original_installment"`
	ProposedInstallment Money           `json:"proposed_installment"`
	OriginalTotal       Money           `json:"original_total"`
	ProposedTotal       Money           `json:"proposed_total"`
	StartDate           time.Time       `json:"start_date"`

	Status      ProposalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
}

// InstallmentDelta is how much the fixed installment changes if accepted.
func (p Proposal) InstallmentDelta() Money {
	return p.ProposedInstallment - p.OriginalInstallment
}

// =============================================================================
// FILTERS
// =============================================================================

type LoanFilter struct {
	ClientID string
	LenderID string
	Status   *LoanStatus
}

func (f LoanFilter) Matches(l Loan) bool {
	if f.ClientID != "" && l.ClientID != f.ClientID {
		return false
	}
	if f.LenderID != "" && l.LenderID != f.LenderID {
		return false
	}
	if f.Status != nil && l.Status != *f.Status {
		return false
	}
	return true
}

type ProposalFilter struct {
	LoanID LoanID
	Status *ProposalStatus
}

func (f ProposalFilter) Matches(p Proposal) bool {
	if f.LoanID != "" && p.LoanID != f.LoanID {
		return false
	}
	if f.Status != nil && p.Status != *f.Status {
		return false
	}
	return true
}
