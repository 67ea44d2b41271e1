package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/engine"
)

func loadScenario(t *testing.T, ts *testServer, id string) engine.Loan {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[LoadScenarioResponse](t, rec)
	assert.Equal(t, "loaded", resp.Status)
	assert.Equal(t, id, resp.Scenario)
	require.Len(t, resp.LoanIDs, 1)

	loan, err := ts.loans.GetLoan(context.Background(), resp.LoanIDs[0])
	require.NoError(t, err)
	return loan
}

func TestScenarios_List(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarios))
	for _, s := range list {
		assert.NotEmpty(t, s.ID)
		assert.NotEmpty(t, s.Name)
	}
}

func TestScenarios_NotMountedByDefault(t *testing.T) {
	ts := newTestServer(t)
	router := NewRouter(ts.handler, RouterOptions{})
	ts.router = router

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_Unknown(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_FreshApplication(t *testing.T) {
	ts := newTestServer(t)

	loan := loadScenario(t, ts, "fresh-application")
	assert.Equal(t, engine.LoanPending, loan.Status)
	assert.Equal(t, engine.Money(100000), loan.Principal)

	insts, err := ts.loans.Installments(context.Background(), loan.ID)
	require.NoError(t, err)
	assert.Empty(t, insts)
}

func TestScenario_PartialRepayment(t *testing.T) {
	// GIVEN: The partial-repayment scenario
	// WHEN: Loading it
	// THEN: Installment 1 is paid and installment 2 is half paid

	ts := newTestServer(t)
	ctx := context.Background()

	loan := loadScenario(t, ts, "partial-repayment")
	assert.Equal(t, engine.LoanActive, loan.Status)

	insts, err := ts.loans.Installments(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, insts, 12)
	assert.Equal(t, engine.InstallmentPaid, insts[0].Status)
	assert.Equal(t, engine.InstallmentPending, insts[1].Status)
	assert.Equal(t, insts[1].Amount-loan.InstallmentAmount/2, insts[1].Remaining)
	assert.Equal(t, insts[2].Amount, insts[2].Remaining)

	payments, err := ts.loans.Payments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestScenario_PaidOff(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	loan := loadScenario(t, ts, "paid-off")
	assert.Equal(t, engine.LoanCompleted, loan.Status)

	stmt, err := ts.loans.Statement(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, stmt.IsCompleted)
	assert.Equal(t, stmt.OriginalTotal+500, stmt.TotalPaid)
	assert.Zero(t, stmt.PendingAmount)
}

func TestScenario_RateNegotiation(t *testing.T) {
	ts := newTestServer(t)

	loan := loadScenario(t, ts, "rate-negotiation")
	assert.Equal(t, engine.LoanPending, loan.Status)

	proposals, err := ts.loans.ListProposals(context.Background(), engine.ProposalFilter{LoanID: loan.ID})
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, engine.ProposalPending, proposals[0].Status)
	assert.Less(t, proposals[0].ProposedInstallment, proposals[0].OriginalInstallment)
}

func TestScenario_Overdue(t *testing.T) {
	ts := newTestServer(t)

	loan := loadScenario(t, ts, "overdue")
	assert.Equal(t, engine.LoanActive, loan.Status)

	overdue, err := ts.loans.Overdue(context.Background(), testNow)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(overdue), 2)
	for _, inst := range overdue {
		assert.Equal(t, loan.ID, inst.LoanID)
	}
}

func TestScenarios_AllLoadWithoutError(t *testing.T) {
	ts := newTestServer(t)
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			loadScenario(t, ts, s.ID)
		})
	}

	loans, err := ts.loans.ListLoans(context.Background(), engine.LoanFilter{})
	require.NoError(t, err)
	assert.Len(t, loans, len(scenarios))
}
