/*
scenarios.go - Demo scenario loaders

PURPOSE:

	Pre-built loan portfolios for demos and manual testing. Each scenario
	drives the Coordinator exactly as API clients would (originate, approve,
	propose, pay), so the resulting state obeys every lifecycle rule.

AVAILABLE SCENARIOS:

	fresh-application: One Pending loan awaiting a decision
	partial-repayment: Active loan with a payment spanning two installments
	paid-off:          Completed loan whose final payment overshot the balance
	rate-negotiation:  Pending loan with a lender's counter-offer
	overdue:           Active loan started three months ago, nothing paid

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partial-repayment"}

NOTE:

	Scenarios only add loans; nothing is reset. Routes are mounted only
	when LOAN_DEMO_SCENARIOS is set.
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioLoader func(ctx context.Context, loans *engine.Coordinator) ([]engine.LoanID, error)

type scenario struct {
	ScenarioDTO
	load scenarioLoader
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "fresh-application",
			Name:        "Fresh Application",
			Description: "Pending 12-month loan at 12% awaiting approval",
			Category:    "origination",
		},
		load: loadFreshApplication,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "partial-repayment",
			Name:        "Partial Repayment",
			Description: "Active loan; one payment settles installment 1 and part of 2",
			Category:    "repayment",
		},
		load: loadPartialRepayment,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "paid-off",
			Name:        "Paid Off",
			Description: "Loan settled in one overpayment, leaving unapplied funds",
			Category:    "repayment",
		},
		load: loadPaidOff,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "rate-negotiation",
			Name:        "Rate Negotiation",
			Description: "Pending loan with a lower-rate counter-offer from the lender",
			Category:    "origination",
		},
		load: loadRateNegotiation,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overdue",
			Name:        "Overdue Borrower",
			Description: "Active loan started 90 days ago with no payments",
			Category:    "collections",
		},
		load: loadOverdue,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario creates the loans of a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ids, err := s.load(r.Context(), h.Loans)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.Logger.WithField("scenario", s.ID).WithField("loans", len(ids)).Info("scenario loaded")
	writeJSON(w, http.StatusOK, LoadScenarioResponse{Status: "loaded", Scenario: s.ID, LoanIDs: ids})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func originateDemo(ctx context.Context, loans *engine.Coordinator, client string, principal engine.Money, rate string, term int) (engine.Loan, error) {
	return loans.Originate(ctx, engine.OriginateRequest{
		ClientID:    client,
		ClientEmail: client + "@example.com",
		LenderID:    "lender-demo",
		Purpose:     "demo",
		Principal:   principal,
		AnnualRate:  decimal.RequireFromString(rate),
		TermMonths:  term,
	})
}

func loadFreshApplication(ctx context.Context, loans *engine.Coordinator) ([]engine.LoanID, error) {
	loan, err := originateDemo(ctx, loans, "alice", 100000, "12", 12)
	if err != nil {
		return nil, err
	}
	return []engine.LoanID{loan.ID}, nil
}

func loadPartialRepayment(ctx context.Context, loans *engine.Coordinator) ([]engine.LoanID, error) {
	loan, err := originateDemo(ctx, loans, "bob", 120000, "10", 12)
	if err != nil {
		return nil, err
	}
	loan, err = loans.Approve(ctx, loan.ID, loans.Clock().AddDate(0, -1, 0))
	if err != nil {
		return nil, err
	}
	// One and a half installments.
	amount := loan.InstallmentAmount + loan.InstallmentAmount/2
	if _, err := loans.SubmitPayment(ctx, engine.PaymentRequest{LoanID: loan.ID, Amount: amount, Note: "demo"}); err != nil {
		return nil, err
	}
	return []engine.LoanID{loan.ID}, nil
}

func loadPaidOff(ctx context.Context, loans *engine.Coordinator) ([]engine.LoanID, error) {
	loan, err := originateDemo(ctx, loans, "carol", 50000, "8", 6)
	if err != nil {
		return nil, err
	}
	if loan, err = loans.Approve(ctx, loan.ID, loans.Clock().AddDate(0, -6, 0)); err != nil {
		return nil, err
	}
	if _, err := loans.SubmitPayment(ctx, engine.PaymentRequest{LoanID: loan.ID, Amount: loan.TotalAmount + 500, Note: "payoff"}); err != nil {
		return nil, err
	}
	return []engine.LoanID{loan.ID}, nil
}

func loadRateNegotiation(ctx context.Context, loans *engine.Coordinator) ([]engine.LoanID, error) {
	loan, err := originateDemo(ctx, loans, "dave", 250000, "18", 24)
	if err != nil {
		return nil, err
	}
	_, err = loans.ProposeRate(ctx, engine.ProposeRateRequest{
		LoanID:   loan.ID,
		LenderID: "lender-demo",
		NewRate:  decimal.RequireFromString("14.5"),
		Reason:   "strong credit history",
	})
	if err != nil {
		return nil, err
	}
	return []engine.LoanID{loan.ID}, nil
}

func loadOverdue(ctx context.Context, loans *engine.Coordinator) ([]engine.LoanID, error) {
	loan, err := originateDemo(ctx, loans, "erin", 60000, "15", 12)
	if err != nil {
		return nil, err
	}
	if _, err := loans.Approve(ctx, loan.ID, loans.Clock().AddDate(0, 0, -90)); err != nil {
		return nil, err
	}
	return []engine.LoanID{loan.ID}, nil
}
