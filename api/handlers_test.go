/*
handlers_test.go - HTTP tests for the loan API

Tests for:
- Quoting and origination
- Approval, payments, overpayment reporting and statements
- Rate proposals
- Error mapping (400/404/409/503/502)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/engine"
	"github.com/warp/loan-engine/engine/store"
	"github.com/warp/loan-engine/metrics"
	"github.com/warp/loan-engine/rates"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	router  http.Handler
	loans   *engine.Coordinator
	handler *Handler
	metrics *metrics.Collector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := logtest.NewNullLogger()

	loans := engine.NewCoordinator(store.NewTxMemory(), logger)
	loans.Clock = func() time.Time { return testNow }
	var n atomic.Int64
	loans.NewID = func() string { return fmt.Sprintf("id-%d", n.Add(1)) }

	collector := metrics.New()
	loans.Observer = collector

	h := NewHandler(loans, nil, logger)
	router := NewRouter(h, RouterOptions{
		Metrics:        collector,
		PaymentLimiter: NewPaymentLimiter(1000, 1000, logger),
		Scenarios:      true,
	})
	return &testServer{router: router, loans: loans, handler: h, metrics: collector}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createLoan(t *testing.T, principal engine.Money, annualRate string, term int) engine.Loan {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/loans", map[string]any{
		"client_id":    "client-1",
		"client_email": "client@example.com",
		"principal":    principal,
		"annual_rate":  annualRate,
		"term_months":  term,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[engine.Loan](t, rec)
}

func (ts *testServer) activeLoan(t *testing.T, principal engine.Money, annualRate string, term int) engine.Loan {
	t.Helper()
	loan := ts.createLoan(t, principal, annualRate, term)
	rec := ts.do(t, http.MethodPost, "/api/loans/"+string(loan.ID)+"/approve", map[string]any{"start_date": testNow})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[engine.Loan](t, rec)
}

// =============================================================================
// QUOTING & ORIGINATION
// =============================================================================

func TestQuote(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/loans/quote", `{"principal": 1000, "annual_rate": 12, "term_months": 12}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	quote := decode[QuoteResponse](t, rec)
	assert.Equal(t, engine.Money(89), quote.InstallmentAmount)
	assert.Equal(t, engine.Money(1068), quote.TotalAmount)
	assert.Equal(t, engine.Money(68), quote.TotalInterest)
	assert.Len(t, quote.Schedule, 12)
	assert.Zero(t, quote.FinalBalance)
}

func TestQuote_InvalidInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/loans/quote", `{"principal": 0, "annual_rate": "12", "term_months": 12}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid input", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/api/loans/quote", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[ErrorResponse](t, rec).Error)
}

func TestCreateAndListLoans(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.createLoan(t, 1000, "12", 12)

	assert.Equal(t, engine.LoanPending, loan.Status)
	assert.Equal(t, engine.Money(89), loan.InstallmentAmount)

	rec := ts.do(t, http.MethodGet, "/api/loans/"+string(loan.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loan.ID, decode[engine.Loan](t, rec).ID)

	rec = ts.do(t, http.MethodGet, "/api/loans?status=pending&client_id=client-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.Loan](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/loans?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/loans?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/loans", `{"principal": 1000, "annual_rate": "12", "term_months": 12}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "client_id is required")
}

func TestGetLoan_NotFound(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/loans/missing",
		"/api/loans/missing/installments",
		"/api/loans/missing/payments",
		"/api/loans/missing/statement",
	} {
		rec := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

// =============================================================================
// LIFECYCLE & PAYMENTS
// =============================================================================

func TestLoanLifecycle(t *testing.T) {
	// GIVEN: A pending loan of 1000 at 12% over 12 months
	// WHEN: Approving it, paying 150, then overpaying the rest
	// THEN: The schedule, payments and statement reflect each step; the excess is reported as unapplied

	ts := newTestServer(t)
	loan := ts.activeLoan(t, 1000, "12", 12)
	path := "/api/loans/" + string(loan.ID)

	assert.Equal(t, engine.LoanActive, loan.Status)

	rec := ts.do(t, http.MethodGet, path+"/installments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	installments := decode[[]engine.Installment](t, rec)
	require.Len(t, installments, 12)
	assert.True(t, engine.DueDate(testNow, 1).Equal(installments[0].DueDate))

	rec = ts.do(t, http.MethodPost, path+"/payments", map[string]any{"amount": 150})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[PaymentResponse](t, rec)
	assert.Equal(t, engine.Money(1068), first.OutstandingBefore)
	assert.Equal(t, engine.Money(918), first.OutstandingAfter)
	assert.Len(t, first.UpdatedInstallments, 2)
	assert.False(t, first.LoanCompleted)
	assert.Zero(t, first.Unapplied)

	rec = ts.do(t, http.MethodPost, path+"/payments", map[string]any{"amount": 1000, "note": "payoff"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	payoff := decode[PaymentResponse](t, rec)
	assert.True(t, payoff.LoanCompleted)
	assert.Equal(t, engine.Money(82), payoff.Unapplied)
	assert.Equal(t, "payoff", payoff.Payment.Note)

	rec = ts.do(t, http.MethodGet, path+"/statement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[engine.Statement](t, rec)
	assert.Equal(t, engine.LoanCompleted, st.Status)
	assert.Zero(t, st.PendingAmount)
	assert.Equal(t, 12, st.PaidInstallments)
	assert.True(t, decimal.NewFromInt(100).Equal(st.CompletionPercent))

	rec = ts.do(t, http.MethodPost, path+"/payments", map[string]any{"amount": 10})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Loan already settled", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, path+"/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.Payment](t, rec), 2)
}

func TestApprove_EmptyBodyAndConflict(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.createLoan(t, 1000, "12", 12)
	path := "/api/loans/" + string(loan.ID) + "/approve"

	rec := ts.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[engine.Loan](t, rec)
	require.NotNil(t, approved.StartDate)
	assert.True(t, testNow.Equal(*approved.StartDate))

	rec = ts.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/loans/missing/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprove_RecordsLender(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.createLoan(t, 1000, "12", 12)
	require.Empty(t, loan.LenderID)

	rec := ts.do(t, http.MethodPost, "/api/loans/"+string(loan.ID)+"/approve", map[string]any{"lender_id": "lender-7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "lender-7", decode[engine.Loan](t, rec).LenderID)

	rec = ts.do(t, http.MethodGet, "/api/loans?lender_id=lender-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]engine.Loan](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, loan.ID, listed[0].ID)
}

func TestRejectAndDefault(t *testing.T) {
	ts := newTestServer(t)

	pending := ts.createLoan(t, 1000, "12", 12)
	rec := ts.do(t, http.MethodPost, "/api/loans/"+string(pending.ID)+"/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, engine.LoanRejected, decode[engine.Loan](t, rec).Status)

	active := ts.activeLoan(t, 1000, "12", 12)
	rec = ts.do(t, http.MethodPost, "/api/loans/"+string(active.ID)+"/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, engine.LoanDefaulted, decode[engine.Loan](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/loans/"+string(active.ID)+"/payments", map[string]any{"amount": 89})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitPayment_Validation(t *testing.T) {
	ts := newTestServer(t)
	pending := ts.createLoan(t, 1000, "12", 12)
	active := ts.activeLoan(t, 1000, "12", 12)

	rec := ts.do(t, http.MethodPost, "/api/loans/"+string(pending.ID)+"/payments", map[string]any{"amount": 89})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/loans/"+string(active.ID)+"/payments", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/loans/missing/payments", map[string]any{"amount": 89})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitPayment_IdempotencyKeyHeader(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.activeLoan(t, 1000, "12", 12)
	path := "/api/loans/" + string(loan.ID) + "/payments"

	rec := ts.do(t, http.MethodPost, path, map[string]any{"amount": 89}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "k-1", decode[PaymentResponse](t, rec).Payment.IdempotencyKey)

	rec = ts.do(t, http.MethodPost, path, map[string]any{"amount": 89, "idempotency_key": "k-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Duplicate payment", decode[ErrorResponse](t, rec).Error)
}

// =============================================================================
// PROPOSALS
// =============================================================================

func TestProposalFlow(t *testing.T) {
	// GIVEN: A pending loan at 12%
	// WHEN: A lender proposes 0% and the borrower accepts
	// THEN: The loan is active at the proposed installment

	ts := newTestServer(t)
	loan := ts.createLoan(t, 1000, "12", 12)

	rec := ts.do(t, http.MethodPost, "/api/loans/"+string(loan.ID)+"/proposals", map[string]any{
		"lender_id":  "lender-2",
		"new_rate":   "0",
		"start_date": testNow,
		"reason":     "promotion",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	proposal := decode[engine.Proposal](t, rec)
	assert.Equal(t, engine.Money(83), proposal.ProposedInstallment)

	rec = ts.do(t, http.MethodGet, "/api/proposals?loan_id="+string(loan.ID)+"&status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.Proposal](t, rec), 1)

	respond := "/api/proposals/" + string(proposal.ID) + "/respond"
	rec = ts.do(t, http.MethodPost, respond, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, respond, map[string]any{"accept": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ProposalResponse](t, rec)
	assert.Equal(t, engine.ProposalAccepted, resp.Proposal.Status)
	assert.Equal(t, engine.LoanActive, resp.Loan.Status)
	assert.Equal(t, engine.Money(83), resp.Loan.InstallmentAmount)

	rec = ts.do(t, http.MethodPost, respond, map[string]any{"accept": false})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/proposals/missing/respond", map[string]any{"accept": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// OTHER ENDPOINTS
// =============================================================================

func TestInstallmentsDue(t *testing.T) {
	ts := newTestServer(t)
	ts.activeLoan(t, 1000, "12", 12)

	// testNow + 30 days is 2025-03-31.
	rec := ts.do(t, http.MethodGet, "/api/installments/due?from=2025-03-31&to=2025-04-29", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	due := decode[[]engine.Installment](t, rec)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Sequence)

	rec = ts.do(t, http.MethodGet, "/api/installments/due?from=2025-03-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]engine.Installment](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/installments/due?from=31-03-2025", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/installments/due?from=2025-04-01&to=2025-03-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubRates struct {
	ref rates.Reference
	err error
}

func (s stubRates) ReferenceRate(context.Context) (rates.Reference, error) {
	return s.ref, s.err
}

func TestReferenceRate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/rates/reference", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.handler.Rates = stubRates{ref: rates.Reference{
		KeyRate: decimal.RequireFromString("16"),
		Margin:  decimal.RequireFromString("5"),
		Rate:    decimal.RequireFromString("21"),
		AsOf:    testNow,
	}}
	rec = ts.do(t, http.MethodGet, "/api/rates/reference", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ref := decode[rates.Reference](t, rec)
	assert.True(t, decimal.NewFromInt(21).Equal(ref.Rate))

	ts.handler.Rates = stubRates{err: errors.New("upstream down")}
	rec = ts.do(t, http.MethodGet, "/api/rates/reference", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	loan := ts.activeLoan(t, 50, "0", 1)
	ts.do(t, http.MethodPost, "/api/loans/"+string(loan.ID)+"/payments", map[string]any{"amount": 80})

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `loan_engine_payments_total{outcome="completed"} 1`), body)
	assert.True(t, strings.Contains(body, `loan_engine_payments_unapplied_amount_total 30`), body)
	assert.True(t, strings.Contains(body, `route="/api/loans/{id}/payments"`), body)
}
