package engine_test

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/engine"
)

func rate(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// FIXED INSTALLMENT
// =============================================================================

func TestCalculate_StandardLoan(t *testing.T) {
	// GIVEN: 1000 at 12% over 12 months
	// WHEN: Quoting
	// THEN: Installment is 89 (88.85 rounded half-up) and totals follow from it

	q, err := engine.Calculate(1000, rate("12"), 12)
	require.NoError(t, err)

	assert.Equal(t, engine.Money(89), q.InstallmentAmount)
	assert.Equal(t, engine.Money(1068), q.TotalAmount)
	assert.Equal(t, engine.Money(68), q.TotalInterest)

	schedule := q.Schedule()
	require.Len(t, schedule, 12)
	assert.Equal(t, engine.Period{Index: 1, Payment: 89, Interest: 10, Principal: 79, Balance: 921}, schedule[0])
	assert.Equal(t, engine.Period{Index: 12, Payment: 89, Interest: 1, Principal: 88, Balance: 0}, schedule[11])
}

func TestCalculate_ZeroRate(t *testing.T) {
	// GIVEN: 10000 at 0% over 3 months
	// WHEN: Quoting
	// THEN: Installment is P/N rounded; no interest; residual of 1 is left

	q, err := engine.Calculate(10000, decimal.Zero, 3)
	require.NoError(t, err)

	assert.Equal(t, engine.Money(3333), q.InstallmentAmount)
	assert.Equal(t, engine.Money(9999), q.TotalAmount)
	for p := range q.Periods() {
		assert.Zero(t, p.Interest, "period %d", p.Index)
	}
	assert.Equal(t, engine.Money(1), q.FinalBalance())
}

func TestCalculate_SettleResidual_LastPeriodAbsorbsResidual(t *testing.T) {
	// GIVEN: The same zero-rate loan, calculator settling the residual
	// WHEN: Building the breakdown
	// THEN: Final period pays 3334 and ends at 0; the quote itself is unchanged

	q, err := engine.Calculator{SettleResidual: true}.Calculate(10000, decimal.Zero, 3)
	require.NoError(t, err)

	assert.Equal(t, engine.Money(3333), q.InstallmentAmount)
	assert.Equal(t, engine.Money(9999), q.TotalAmount)

	schedule := q.Schedule()
	last := schedule[len(schedule)-1]
	assert.Equal(t, engine.Money(3334), last.Payment)
	assert.Equal(t, engine.Money(3334), last.Principal)
	assert.Equal(t, engine.Money(0), last.Balance)

	var principal engine.Money
	for _, p := range schedule {
		principal += p.Principal
	}
	assert.Equal(t, engine.Money(10000), principal)
}

func TestCalculate_SettleResidual_WithInterest(t *testing.T) {
	q, err := engine.Calculator{SettleResidual: true}.Calculate(1000, rate("12"), 12)
	require.NoError(t, err)

	schedule := q.Schedule()
	assert.Equal(t, engine.Period{Index: 12, Payment: 87, Interest: 1, Principal: 86, Balance: 0}, schedule[11])
}

func TestCalculate_RoundsHalfUp(t *testing.T) {
	// GIVEN: Inputs whose exact installment or interest lands on .5
	// WHEN: Quoting
	// THEN: Ties round up, never to even

	q, err := engine.Calculate(5, decimal.Zero, 2)
	require.NoError(t, err)
	assert.Equal(t, engine.Money(3), q.InstallmentAmount)
	assert.Equal(t, []engine.Period{
		{Index: 1, Payment: 3, Interest: 0, Principal: 3, Balance: 2},
		{Index: 2, Payment: 3, Interest: 0, Principal: 3, Balance: 0},
	}, q.Schedule())

	// 50 * 1% = 0.5 interest; installment 50.5
	q, err = engine.Calculate(50, rate("12"), 1)
	require.NoError(t, err)
	assert.Equal(t, engine.Money(51), q.InstallmentAmount)
	assert.Equal(t, []engine.Period{{Index: 1, Payment: 51, Interest: 1, Principal: 50, Balance: 0}}, q.Schedule())

	// 250 * 1% = 2.5 interest; installment 252.5
	q, err = engine.Calculate(250, rate("12"), 1)
	require.NoError(t, err)
	assert.Equal(t, engine.Money(253), q.InstallmentAmount)
	assert.Equal(t, []engine.Period{{Index: 1, Payment: 253, Interest: 3, Principal: 250, Balance: 0}}, q.Schedule())
}

func TestCalculate_InstallmentRoundsToZero(t *testing.T) {
	// GIVEN: A principal smaller than half the term
	// WHEN: Quoting at 0%
	// THEN: The quote succeeds with a zero installment and the full residual left over

	q, err := engine.Calculate(1, decimal.Zero, 3)
	require.NoError(t, err)

	assert.Zero(t, q.InstallmentAmount)
	assert.Zero(t, q.TotalAmount)
	assert.Equal(t, engine.Money(-1), q.TotalInterest)
	require.Len(t, q.Schedule(), 3)
	assert.Equal(t, engine.Money(1), q.FinalBalance())
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestCalculate_Properties(t *testing.T) {
	principals := []engine.Money{1, 1000, 25000, 1000000}
	rates := []string{"0", "5", "12.5", "24"}
	terms := []int{1, 3, 12, 24, 36}

	for _, p := range principals {
		for _, r := range rates {
			for _, n := range terms {
				t.Run(fmt.Sprintf("P=%d/R=%s/N=%d", p, r, n), func(t *testing.T) {
					q, err := engine.Calculate(p, rate(r), n)
					require.NoError(t, err)

					schedule := q.Schedule()
					require.Len(t, schedule, n)
					assert.Equal(t, q.InstallmentAmount*engine.Money(n), q.TotalAmount)

					var principal engine.Money
					for i, period := range schedule {
						assert.Equal(t, i+1, period.Index)
						assert.Equal(t, q.InstallmentAmount, period.Payment)
						assert.GreaterOrEqual(t, period.Interest, engine.Money(0))
						assert.GreaterOrEqual(t, period.Balance, engine.Money(0))
						principal += period.Principal
					}

					tolerance := engine.Money(n)
					diff := principal - p
					assert.LessOrEqual(t, max(diff, -diff), tolerance, "principal sum off by %d", diff)
					assert.LessOrEqual(t, q.FinalBalance(), tolerance)
				})
			}
		}
	}
}

func TestCalculate_Idempotent(t *testing.T) {
	// GIVEN: The same inputs twice
	// WHEN: Quoting and ranging the breakdown twice
	// THEN: Results are identical; the breakdown restarts from P each time

	a, err := engine.Calculate(250000, rate("7.25"), 24)
	require.NoError(t, err)
	b, err := engine.Calculate(250000, rate("7.25"), 24)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a.Schedule(), a.Schedule())
	assert.Equal(t, a.Schedule(), b.Schedule())
}

func TestQuote_Periods_StopsEarly(t *testing.T) {
	q, err := engine.Calculate(1000, rate("12"), 12)
	require.NoError(t, err)

	seen := 0
	for p := range q.Periods() {
		seen++
		if p.Index == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestCalculate_InvalidInput(t *testing.T) {
	tests := []struct {
		name      string
		principal engine.Money
		rate      decimal.Decimal
		term      int
		field     string
	}{
		{"zero principal", 0, rate("10"), 12, "principal"},
		{"negative principal", -100, rate("10"), 12, "principal"},
		{"zero term", 1000, rate("10"), 0, "term_months"},
		{"negative term", 1000, rate("10"), -1, "term_months"},
		{"negative rate", 1000, rate("-0.5"), 12, "annual_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Calculate(tt.principal, tt.rate, tt.term)
			require.ErrorIs(t, err, engine.ErrInvalidInput)

			var inputErr *engine.InvalidInputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)
		})
	}
}
