package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// SCHEDULE MATERIALIZER
// =============================================================================

// MaterializeSchedule builds the N installment records of a loan that is
// becoming active. It is pure: the same inputs always produce the same
// records, IDs included, so approval and proposal acceptance cannot diverge.
// Calling it twice for one loan is the caller's mistake to avoid.
func MaterializeSchedule(loanID LoanID, installmentAmount Money, termMonths int, startDate time.Time) ([]Installment, error) {
	if loanID == "" {
		return nil, &InvalidInputError{Field: "loan_id", Reason: "must not be empty"}
	}
	if installmentAmount <= 0 {
		return nil, &InvalidInputError{Field: "installment_amount", Reason: "must be positive"}
	}
	if termMonths <= 0 {
		return nil, &InvalidInputError{Field: "term_months", Reason: "must be positive"}
	}
	if startDate.IsZero() {
		return nil, &InvalidInputError{Field: "start_date", Reason: "must be set"}
	}

	installments := make([]Installment, termMonths)
	for i := range installments {
		seq := i + 1
		installments[i] = Installment{
			ID:        InstallmentIDFor(loanID, seq),
			LoanID:    loanID,
			Sequence:  seq,
			DueDate:   DueDate(startDate, seq),
			Amount:    installmentAmount,
			Remaining: installmentAmount,
			Status:    InstallmentPending,
		}
	}
	return installments, nil
}

// InstallmentIDFor derives the installment ID from its loan and sequence.
func InstallmentIDFor(loanID LoanID, seq int) InstallmentID {
	return InstallmentID(fmt.Sprintf("%s-%04d", loanID, seq))
}
