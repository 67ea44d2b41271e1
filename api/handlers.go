/*
handlers.go - HTTP API handlers for the loan engine

PURPOSE:
  Exposes the lifecycle coordinator via REST API. Handles HTTP
  request/response and JSON serialization; every rule lives in the engine.

ENDPOINTS:
  Quoting:
    POST   /api/loans/quote                  Installment, totals, breakdown

  Loans:
    POST   /api/loans                        Originate (status pending)
    GET    /api/loans                        List (?client_id=&lender_id=&status=)
    GET    /api/loans/{id}                   Get loan
    POST   /api/loans/{id}/approve           Activate and materialize schedule
    POST   /api/loans/{id}/reject            Reject pending loan
    POST   /api/loans/{id}/default           Mark active loan defaulted
    GET    /api/loans/{id}/installments      Schedule
    GET    /api/loans/{id}/statement         Payment-status summary

  Payments:
    POST   /api/loans/{id}/payments          Allocate a payment (rate limited)
    GET    /api/loans/{id}/payments          Payment history

  Proposals:
    POST   /api/loans/{id}/proposals         Propose a new rate
    GET    /api/proposals                    List (?loan_id=&status=)
    POST   /api/proposals/{id}/respond       Accept or reject

  Other:
    GET    /api/installments/due             Pending installments due in [from, to]
    GET    /api/rates/reference              Key rate plus bank margin

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 404: Loan or proposal not found
  - 409: Wrong status, already settled, concurrent modification, duplicate key
  - 429: Payment rate limit
  - 503: Reference rates not configured
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/loan-engine/engine"
	"github.com/warp/loan-engine/rates"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Loans  *engine.Coordinator
	Rates  rates.Provider
	Logger logrus.FieldLogger
}

func NewHandler(loans *engine.Coordinator, provider rates.Provider, logger logrus.FieldLogger) *Handler {
	return &Handler{Loans: loans, Rates: provider, Logger: logger}
}

// =============================================================================
// QUOTING
// =============================================================================

// Quote runs the calculator standalone.
// POST /api/loans/quote
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	quote, err := h.Loans.Quote(req.Principal, req.AnnualRate, req.TermMonths)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteResponse{
		Quote:        quote,
		FinalBalance: quote.FinalBalance(),
		Schedule:     quote.Schedule(),
	})
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// CreateLoan originates a pending loan.
// POST /api/loans
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	loan, err := h.Loans.Originate(r.Context(), engine.OriginateRequest{
		ClientID:    req.ClientID,
		ClientEmail: req.ClientEmail,
		LenderID:    req.LenderID,
		Purpose:     req.Purpose,
		Principal:   req.Principal,
		AnnualRate:  req.AnnualRate,
		TermMonths:  req.TermMonths,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// ListLoans returns loans matching the query filters.
// GET /api/loans?client_id=&lender_id=&status=
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.LoanFilter{
		ClientID: q.Get("client_id"),
		LenderID: q.Get("lender_id"),
	}
	if s := q.Get("status"); s != "" {
		status, err := engine.ParseLoanStatus(s)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		filter.Status = &status
	}

	loans, err := h.Loans.ListLoans(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if loans == nil {
		loans = []engine.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

// GetLoan returns one loan.
// GET /api/loans/{id}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Loans.GetLoan(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// ApproveLoan activates a pending loan.
// POST /api/loans/{id}/approve
func (h *Handler) ApproveLoan(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	var start time.Time
	if req.StartDate != nil {
		start = *req.StartDate
	}

	loan, err := h.Loans.ApproveBy(r.Context(), loanID(r), req.LenderID, start)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// RejectLoan closes a pending loan.
// POST /api/loans/{id}/reject
func (h *Handler) RejectLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Loans.Reject(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// DefaultLoan marks an active loan defaulted.
// POST /api/loans/{id}/default
func (h *Handler) DefaultLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Loans.MarkDefaulted(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// ListInstallments returns the loan's schedule.
// GET /api/loans/{id}/installments
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	installments, err := h.Loans.Installments(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if installments == nil {
		installments = []engine.Installment{}
	}
	writeJSON(w, http.StatusOK, installments)
}

// GetStatement returns the payment-status summary.
// GET /api/loans/{id}/statement
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Loans.Statement(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// SubmitPayment allocates a payment. The idempotency key may come in the
// body or the Idempotency-Key header.
// POST /api/loans/{id}/payments
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req SubmitPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	alloc, err := h.Loans.SubmitPayment(r.Context(), engine.PaymentRequest{
		LoanID:         loanID(r),
		Amount:         req.Amount,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentResponse(alloc))
}

// ListPayments returns a loan's payment history.
// GET /api/loans/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Loans.Payments(r.Context(), loanID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if payments == nil {
		payments = []engine.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

// =============================================================================
// PROPOSAL HANDLERS
// =============================================================================

// ProposeRate stores a rate proposal for a pending loan.
// POST /api/loans/{id}/proposals
func (h *Handler) ProposeRate(w http.ResponseWriter, r *http.Request) {
	var req ProposeRateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var start time.Time
	if req.StartDate != nil {
		start = *req.StartDate
	}

	proposal, err := h.Loans.ProposeRate(r.Context(), engine.ProposeRateRequest{
		LoanID:    loanID(r),
		LenderID:  req.LenderID,
		NewRate:   req.NewRate,
		StartDate: start,
		Reason:    req.Reason,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

// ListProposals returns proposals matching the query filters.
// GET /api/proposals?loan_id=&status=
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.ProposalFilter{LoanID: engine.LoanID(q.Get("loan_id"))}
	if s := q.Get("status"); s != "" {
		status, err := engine.ParseProposalStatus(s)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		filter.Status = &status
	}

	proposals, err := h.Loans.ListProposals(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if proposals == nil {
		proposals = []engine.Proposal{}
	}
	writeJSON(w, http.StatusOK, proposals)
}

// RespondToProposal accepts or rejects a pending proposal.
// POST /api/proposals/{id}/respond
func (h *Handler) RespondToProposal(w http.ResponseWriter, r *http.Request) {
	var req RespondProposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Accept == nil {
		writeError(w, http.StatusBadRequest, "accept is required", nil)
		return
	}

	id := engine.ProposalID(chi.URLParam(r, "id"))
	proposal, loan, err := h.Loans.RespondToProposal(r.Context(), id, *req.Accept)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProposalResponse{Proposal: proposal, Loan: loan})
}

// =============================================================================
// OTHER HANDLERS
// =============================================================================

// InstallmentsDue lists Pending installments due in a window.
// GET /api/installments/due?from=2024-01-01&to=2024-01-31
// Defaults to today. Dates are whole UTC days, both ends inclusive.
func (h *Handler) InstallmentsDue(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := parseDay(r.URL.Query().Get("from"), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	to, err := parseDay(r.URL.Query().Get("to"), from)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return
	}

	due, err := h.Loans.InstallmentsDue(r.Context(), engine.StartOfDay(from), engine.EndOfDay(to))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if due == nil {
		due = []engine.Installment{}
	}
	writeJSON(w, http.StatusOK, due)
}

// ReferenceRate returns the central-bank key rate plus margin.
// GET /api/rates/reference
func (h *Handler) ReferenceRate(w http.ResponseWriter, r *http.Request) {
	if h.Rates == nil {
		writeError(w, http.StatusServiceUnavailable, "Reference rates are not configured", nil)
		return
	}
	ref, err := h.Rates.ReferenceRate(r.Context())
	if err != nil {
		h.Logger.WithError(err).Warn("reference rate lookup failed")
		writeError(w, http.StatusBadGateway, "Failed to fetch reference rate", err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// =============================================================================
// HELPERS
// =============================================================================

func loanID(r *http.Request) engine.LoanID {
	return engine.LoanID(chi.URLParam(r, "id"))
}

func parseDay(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD: %w", err)
	}
	return t, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// writeEngineError maps engine errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, engine.ErrAlreadySettled):
		writeError(w, http.StatusConflict, "Loan already settled", err)
	case errors.Is(err, engine.ErrDuplicatePayment):
		writeError(w, http.StatusConflict, "Duplicate payment", err)
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		h.Logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
