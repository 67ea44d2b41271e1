package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-engine/engine"
)

// timeFormat is RFC 3339 with fixed-width nanoseconds. Every stored
// timestamp is UTC so the text sorts in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// =============================================================================
// LOAN ROW
// =============================================================================

type loanRow struct {
	ID                string         `db:"id"`
	ClientID          string         `db:"client_id"`
	ClientEmail       string         `db:"client_email"`
	LenderID          string         `db:"lender_id"`
	Purpose           string         `db:"purpose"`
	Principal         int64          `db:"principal"`
	AnnualRate        string         `db:"annual_rate"`
	TermMonths        int            `db:"term_months"`
	InstallmentAmount int64          `db:"installment_amount"`
	TotalAmount       int64          `db:"total_amount"`
	Status            string         `db:"status"`
	CreatedAt         string         `db:"created_at"`
	ApprovedAt        sql.NullString `db:"approved_at"`
	StartDate         sql.NullString `db:"start_date"`
	CompletedAt       sql.NullString `db:"completed_at"`
	Version           int64          `db:"version"`
}

const loanColumns = `id, client_id, client_email, lender_id, purpose, principal, annual_rate,
	term_months, installment_amount, total_amount, status, created_at, approved_at,
	start_date, completed_at, version`

func (r loanRow) toLoan() (engine.Loan, error) {
	rate, err := decimal.NewFromString(r.AnnualRate)
	if err != nil {
		return engine.Loan{}, fmt.Errorf("loan %s: bad rate %q: %w", r.ID, r.AnnualRate, err)
	}
	status, err := engine.ParseLoanStatus(r.Status)
	if err != nil {
		return engine.Loan{}, fmt.Errorf("loan %s: %w", r.ID, err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return engine.Loan{}, err
	}
	approvedAt, err := parseTimePtr(r.ApprovedAt)
	if err != nil {
		return engine.Loan{}, err
	}
	startDate, err := parseTimePtr(r.StartDate)
	if err != nil {
		return engine.Loan{}, err
	}
	completedAt, err := parseTimePtr(r.CompletedAt)
	if err != nil {
		return engine.Loan{}, err
	}

	return engine.Loan{
		ID:                engine.LoanID(r.ID),
		ClientID:          r.ClientID,
		ClientEmail:       r.ClientEmail,
		LenderID:          r.LenderID,
		Purpose:           r.Purpose,
		Principal:         engine.Money(r.Principal),
		AnnualRate:        rate,
		TermMonths:        r.TermMonths,
		InstallmentAmount: engine.Money(r.InstallmentAmount),
		TotalAmount:       engine.Money(r.TotalAmount),
		Status:            status,
		CreatedAt:         createdAt,
		ApprovedAt:        approvedAt,
		StartDate:         startDate,
		CompletedAt:       completedAt,
		Version:           r.Version,
	}, nil
}

// =============================================================================
// INSTALLMENT ROW
// =============================================================================

type installmentRow struct {
	ID        string         `db:"id"`
	LoanID    string         `db:"loan_id"`
	Sequence  int            `db:"sequence"`
	DueDate   string         `db:"due_date"`
	Amount    int64          `db:"amount"`
	Remaining int64          `db:"remaining"`
	Status    string         `db:"status"`
	PaidAt    sql.NullString `db:"paid_at"`
}

const installmentColumns = `id, loan_id, sequence, due_date, amount, remaining, status, paid_at`

func (r installmentRow) toInstallment() (engine.Installment, error) {
	status, err := engine.ParseInstallmentStatus(r.Status)
	if err != nil {
		return engine.Installment{}, fmt.Errorf("installment %s: %w", r.ID, err)
	}
	due, err := parseTime(r.DueDate)
	if err != nil {
		return engine.Installment{}, err
	}
	paidAt, err := parseTimePtr(r.PaidAt)
	if err != nil {
		return engine.Installment{}, err
	}
	return engine.Installment{
		ID:        engine.InstallmentID(r.ID),
		LoanID:    engine.LoanID(r.LoanID),
		Sequence:  r.Sequence,
		DueDate:   due,
		Amount:    engine.Money(r.Amount),
		Remaining: engine.Money(r.Remaining),
		Status:    status,
		PaidAt:    paidAt,
	}, nil
}

// =============================================================================
// PAYMENT ROW
// =============================================================================

type paymentRow struct {
	ID             string         `db:"id"`
	LoanID         string         `db:"loan_id"`
	Amount         int64          `db:"amount"`
	PaidAt         string         `db:"paid_at"`
	Sequence       int            `db:"sequence"`
	Note           string         `db:"note"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
}

const paymentColumns = `id, loan_id, amount, paid_at, sequence, note, idempotency_key`

func (r paymentRow) toPayment() (engine.Payment, error) {
	paidAt, err := parseTime(r.PaidAt)
	if err != nil {
		return engine.Payment{}, err
	}
	return engine.Payment{
		ID:             engine.PaymentID(r.ID),
		LoanID:         engine.LoanID(r.LoanID),
		Amount:         engine.Money(r.Amount),
		PaidAt:         paidAt,
		Sequence:       r.Sequence,
		Note:           r.Note,
		IdempotencyKey: r.IdempotencyKey.String,
	}, nil
}

// =============================================================================
// PROPOSAL ROW
// =============================================================================

type proposalRow struct {
	ID                  string         `db:"id"`
	LoanID              string         `db:"loan_id"`
	LenderID            string         `db:"lender_id"`
	Reason              string         `db:"reason"`
	OriginalRate        string         `db:"original_rate"`
	ProposedRate        string         `db:"proposed_rate"`
	OriginalInstallment int64          `db:"original_installment"`
	ProposedInstallment int64          `db:"proposed_installment"`
	OriginalTotal       int64          `db:"original_total"`
	ProposedTotal       int64          `db:"proposed_total"`
	StartDate           string         `db:"start_date"`
	Status              string         `db:"status"`
	CreatedAt           string         `db:"created_at"`
	RespondedAt         sql.NullString `db:"responded_at"`
}

const proposalColumns = `id, loan_id, lender_id, reason, original_rate, proposed_rate,
	original_installment, proposed_installment, original_total, proposed_total,
	start_date, status, created_at, responded_at`

func (r proposalRow) toProposal() (engine.Proposal, error) {
	original, err := decimal.NewFromString(r.OriginalRate)
	if err != nil {
		return engine.Proposal{}, fmt.Errorf("proposal %s: bad rate %q: %w", r.ID, r.OriginalRate, err)
	}
	proposed, err := decimal.NewFromString(r.ProposedRate)
	if err != nil {
		return engine.Proposal{}, fmt.Errorf("proposal %s: bad rate %q: %w", r.ID, r.ProposedRate, err)
	}
	status, err := engine.ParseProposalStatus(r.Status)
	if err != nil {
		return engine.Proposal{}, fmt.Errorf("proposal %s: %w", r.ID, err)
	}
	start, err := parseTime(r.StartDate)
	if err != nil {
		return engine.Proposal{}, err
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return engine.Proposal{}, err
	}
	respondedAt, err := parseTimePtr(r.RespondedAt)
	if err != nil {
		return engine.Proposal{}, err
	}
	return engine.Proposal{
		ID:                  engine.ProposalID(r.ID),
		LoanID:              engine.LoanID(r.LoanID),
		LenderID:            r.LenderID,
		Reason:              r.Reason,
		OriginalRate:        original,
		ProposedRate:        proposed,
		OriginalInstallment: engine.Money(r.OriginalInstallment),
		ProposedInstallment: engine.Money(r.ProposedInstallment),
		OriginalTotal:       engine.Money(r.OriginalTotal),
		ProposedTotal:       engine.Money(r.ProposedTotal),
		StartDate:           start,
		Status:              status,
		CreatedAt:           createdAt,
		RespondedAt:         respondedAt,
	}, nil
}
