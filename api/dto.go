/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Engine types already
  carry JSON tags and are returned as-is; this file holds request bodies
  and the few responses that combine several engine values.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND RATES:
  Amounts are JSON integers in the smallest currency unit. Rates are
  decimal percent and accept either a JSON number or a string ("12.5").

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type QuoteRequest struct {
	Principal  engine.Money    `json:"principal"`
	AnnualRate decimal.Decimal `json:"annual_rate"`
	TermMonths int             `json:"term_months"`
}

type CreateLoanRequest struct {
	ClientID    string          `json:"client_id"`
	ClientEmail string          `json:"client_email"`
	LenderID    string          `json:"lender_id"`
	Purpose     string          `json:"purpose"`
	Principal   engine.Money    `json:"principal"`
	AnnualRate  decimal.Decimal `json:"annual_rate"`
	TermMonths  int             `json:"term_months"`
}

// ApproveRequest is optional; an empty body starts the schedule today.
type ApproveRequest struct {
	LenderID  string     `json:"lender_id,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
}

type ProposeRateRequest struct {
	LenderID  string          `json:"lender_id"`
	NewRate   decimal.Decimal `json:"new_rate"`
	StartDate *time.Time      `json:"start_date,omitempty"`
	Reason    string          `json:"reason"`
}

type RespondProposalRequest struct {
	Accept *bool `json:"accept"`
}

type SubmitPaymentRequest struct {
	Amount         engine.Money `json:"amount"`
	Note           string       `json:"note"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type QuoteResponse struct {
	engine.Quote
	FinalBalance engine.Money    `json:"final_balance"`
	Schedule     []engine.Period `json:"schedule"`
}

// PaymentResponse reports one allocation. Unapplied is non-zero when the
// payment exceeded the outstanding balance; that part was not applied.
type PaymentResponse struct {
	Payment             engine.Payment       `json:"payment"`
	UpdatedInstallments []engine.Installment `json:"updated_installments"`
	LoanCompleted       bool                 `json:"loan_completed"`
	Unapplied           engine.Money         `json:"unapplied"`
	OutstandingBefore   engine.Money         `json:"outstanding_before"`
	OutstandingAfter    engine.Money         `json:"outstanding_after"`
}

func newPaymentResponse(a *engine.Allocation) PaymentResponse {
	updated := a.Updated
	if updated == nil {
		updated = []engine.Installment{}
	}
	return PaymentResponse{
		Payment:             a.Payment,
		UpdatedInstallments: updated,
		LoanCompleted:       a.LoanCompleted,
		Unapplied:           a.Unapplied,
		OutstandingBefore:   a.OutstandingBefore,
		OutstandingAfter:    a.OutstandingAfter,
	}
}

type ProposalResponse struct {
	Proposal engine.Proposal `json:"proposal"`
	Loan     engine.Loan     `json:"loan"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Status   string          `json:"status"`
	Scenario string          `json:"scenario"`
	LoanIDs  []engine.LoanID `json:"loan_ids"`
}
