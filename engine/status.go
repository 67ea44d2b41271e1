package engine

import "fmt"

// =============================================================================
// LOAN STATUS
// =============================================================================

type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"
	LoanActive    LoanStatus = "active"
	LoanCompleted LoanStatus = "completed"
	LoanRejected  LoanStatus = "rejected"
	LoanDefaulted LoanStatus = "defaulted"
)

// CanTransition reports whether a loan may move from s to next.
//
//	pending -> active | rejected
//	active  -> completed | defaulted
//	completed, rejected, defaulted are terminal
func (s LoanStatus) CanTransition(next LoanStatus) bool {
	switch s {
	case LoanPending:
		return next == LoanActive || next == LoanRejected
	case LoanActive:
		return next == LoanCompleted || next == LoanDefaulted
	case LoanCompleted, LoanRejected, LoanDefaulted:
		return false
	default:
		return false
	}
}

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanPending, LoanActive, LoanCompleted, LoanRejected, LoanDefaulted:
		return true
	default:
		return false
	}
}

// ParseLoanStatus converts a stored or user-supplied string.
func ParseLoanStatus(s string) (LoanStatus, error) {
	status := LoanStatus(s)
	if !status.Valid() {
		return "", &InvalidInputError{Field: "status", Reason: fmt.Sprintf("unknown loan status %q", s)}
	}
	return status, nil
}

// =============================================================================
// INSTALLMENT STATUS
// =============================================================================

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPaid    InstallmentStatus = "paid"
)

func (s InstallmentStatus) Valid() bool {
	switch s {
	case InstallmentPending, InstallmentPaid:
		return true
	default:
		return false
	}
}

func ParseInstallmentStatus(s string) (InstallmentStatus, error) {
	status := InstallmentStatus(s)
	if !status.Valid() {
		return "", &InvalidInputError{Field: "status", Reason: fmt.Sprintf("unknown installment status %q", s)}
	}
	return status, nil
}

// =============================================================================
// PROPOSAL STATUS
// =============================================================================

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

func (s ProposalStatus) Valid() bool {
	switch s {
	case ProposalPending, ProposalAccepted, ProposalRejected:
		return true
	default:
		return false
	}
}

func ParseProposalStatus(s string) (ProposalStatus, error) {
	status := ProposalStatus(s)
	if !status.Valid() {
		return "", &InvalidInputError{Field: "status", Reason: fmt.Sprintf("unknown proposal status %q", s)}
	}
	return status, nil
}
