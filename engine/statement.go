package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// Statement is the payment-status view of one loan.
type Statement struct {
	LoanID    LoanID     `json:"loan_id"`
	Status    LoanStatus `json:"status"`
	Principal Money      `json:"principal"`

	OriginalTotal Money `json:"original_total"`
	TotalInterest Money `json:"total_interest"`
	TotalPaid     Money `json:"total_paid"`
	PendingAmount Money `json:"pending_amount"`

	PaidInstallments  int `json:"paid_installments"`
	TotalInstallments int `json:"total_installments"`
	PaymentCount      int `json:"payment_count"`

	// CompletionPercent is paid installments over total, two decimals.
	CompletionPercent decimal.Decimal `json:"completion_percent"`
	IsCompleted       bool            `json:"is_completed"`

	NextDue *Installment `json:"next_due,omitempty"`
}

// BuildStatement summarizes a loan from its schedule and payments.
// TotalPaid counts what was tendered, so after an overpayment it can exceed
// OriginalTotal by the unapplied remainder.
func BuildStatement(loan Loan, installments []Installment, payments []Payment) Statement {
	st := Statement{
		LoanID:            loan.ID,
		Status:            loan.Status,
		Principal:         loan.Principal,
		OriginalTotal:     loan.TotalAmount,
		TotalInterest:     loan.TotalInterest(),
		TotalInstallments: len(installments),
		PaymentCount:      len(payments),
		IsCompleted:       loan.Status == LoanCompleted,
		CompletionPercent: decimal.Zero,
	}

	for _, p := range payments {
		st.TotalPaid += p.Amount
	}

	for _, inst := range pendingBySequence(installments) {
		st.PendingAmount += inst.Owed()
		if st.NextDue == nil {
			next := inst
			st.NextDue = &next
		}
	}
	for _, inst := range installments {
		if inst.Status == InstallmentPaid {
			st.PaidInstallments++
		}
	}

	if st.TotalInstallments > 0 {
		st.CompletionPercent = decimal.NewFromInt(int64(st.PaidInstallments)).
			Mul(percentDivisor).
			Div(decimal.NewFromInt(int64(st.TotalInstallments))).
			Round(2)
	}
	return st
}

// Statement loads a loan with its schedule and payments and summarizes it.
func (c *Coordinator) Statement(ctx context.Context, id LoanID) (Statement, error) {
	loan, err := c.Store.GetLoan(ctx, id)
	if err != nil {
		return Statement{}, err
	}
	installments, err := c.Store.ListInstallments(ctx, id)
	if err != nil {
		return Statement{}, err
	}
	payments, err := c.Store.ListPayments(ctx, id)
	if err != nil {
		return Statement{}, err
	}
	return BuildStatement(loan, installments, payments), nil
}
