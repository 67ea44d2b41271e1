/*
amortization.go - Fixed-installment amortization calculator

PURPOSE:
  Pure function from (principal, annual rate, term) to the fixed monthly
  installment and a period-by-period breakdown. No I/O; callable
  standalone for quoting.

FORMULA:
  m = R / 100 / 12
  A = round(P / N)                              when R = 0
  A = round(P * m * (1+m)^N / ((1+m)^N - 1))    otherwise

  Rounding is half-up to the whole currency unit. Rate math is done in
  decimal.Decimal so the only rounding is the final one.

BREAKDOWN:
  balance_0   = P
  interest_i  = round(balance_{i-1} * m)
  principal_i = A - interest_i
  balance_i   = max(balance_{i-1} - principal_i, 0)

  Rounding is per period and not carried forward, so the last balance can
  miss zero by a few units. With SettleResidual the final period absorbs the
  residual instead: principal_N = balance_{N-1} and payment_N is adjusted.
  The installment amount and totals are identical either way.
*/
package engine

import (
	"iter"
	"slices"

	"github.com/shopspring/decimal"
)

// compoundPrecision bounds the digits kept while raising (1+m) to N.
const compoundPrecision = 32

var (
	decimalOne     = decimal.NewFromInt(1)
	monthsPerYear  = decimal.NewFromInt(12)
	percentDivisor = decimal.NewFromInt(100)
)

// Period is one row of the amortization breakdown.
type Period struct {
	Index     int   `json:"index"`
	Payment   Money `json:"payment"`
	Interest  Money `json:"interest"`
	Principal Money `json:"principal"`
	Balance   Money `json:"balance"`
}

// Quote is the result of a calculation. It is a value: the breakdown is
// regenerated from these fields every time Periods is ranged over.
type Quote struct {
	Principal         Money           `json:"principal"`
	AnnualRate        decimal.Decimal `json:"annual_rate"`
	TermMonths        int             `json:"term_months"`
	InstallmentAmount Money           `json:"installment_amount"`
	TotalAmount       Money           `json:"total_amount"`
	TotalInterest     Money           `json:"total_interest"`

	SettleResidual bool `json:"settle_residual,omitempty"`
}

// Calculator carries the one configurable choice of the breakdown.
type Calculator struct {
	SettleResidual bool
}

// Calculate quotes a loan with the default calculator (residual not settled).
func Calculate(principal Money, ratePercent decimal.Decimal, termMonths int) (Quote, error) {
	return Calculator{}.Calculate(principal, ratePercent, termMonths)
}

func (c Calculator) Calculate(principal Money, ratePercent decimal.Decimal, termMonths int) (Quote, error) {
	if principal <= 0 {
		return Quote{}, &InvalidInputError{Field: "principal", Reason: "must be positive"}
	}
	if termMonths <= 0 {
		return Quote{}, &InvalidInputError{Field: "term_months", Reason: "must be positive"}
	}
	if ratePercent.IsNegative() {
		return Quote{}, &InvalidInputError{Field: "annual_rate", Reason: "must not be negative"}
	}

	p := decimal.NewFromInt(int64(principal))
	n := decimal.NewFromInt(int64(termMonths))
	m := monthlyRate(ratePercent)

	var exact decimal.Decimal
	if m.IsZero() {
		exact = p.Div(n)
	} else {
		f := compound(decimalOne.Add(m), termMonths)
		exact = p.Mul(m).Mul(f).Div(f.Sub(decimalOne))
	}

	installment := roundMoney(exact)
	total := installment * Money(termMonths)
	return Quote{
		Principal:         principal,
		AnnualRate:        ratePercent,
		TermMonths:        termMonths,
		InstallmentAmount: installment,
		TotalAmount:       total,
		TotalInterest:     total - principal,
		SettleResidual:    c.SettleResidual,
	}, nil
}

// Periods lazily yields the N breakdown rows. The sequence is finite and
// restartable: each range starts again from balance_0 = P.
func (q Quote) Periods() iter.Seq[Period] {
	return func(yield func(Period) bool) {
		m := monthlyRate(q.AnnualRate)
		balance := q.Principal

		for i := 1; i <= q.TermMonths; i++ {
			interest := roundMoney(decimal.NewFromInt(int64(balance)).Mul(m))
			payment := q.InstallmentAmount
			principal := payment - interest

			if q.SettleResidual && i == q.TermMonths {
				principal = balance
				payment = principal + interest
			}

			balance -= principal
			if balance < 0 {
				balance = 0
			}

			if !yield(Period{
				Index:     i,
				Payment:   payment,
				Interest:  interest,
				Principal: principal,
				Balance:   balance,
			}) {
				return
			}
		}
	}
}

// Schedule materializes the full breakdown.
func (q Quote) Schedule() []Period {
	return slices.Collect(q.Periods())
}

// FinalBalance is the balance left after the last period (the rounding residual).
func (q Quote) FinalBalance() Money {
	var last Money
	for p := range q.Periods() {
		last = p.Balance
	}
	return last
}

func monthlyRate(ratePercent decimal.Decimal) decimal.Decimal {
	return ratePercent.Div(percentDivisor).Div(monthsPerYear)
}

// compound raises base to n by squaring, keeping compoundPrecision digits.
func compound(base decimal.Decimal, n int) decimal.Decimal {
	result := decimalOne
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Round(compoundPrecision)
		}
		base = base.Mul(base).Round(compoundPrecision)
		n >>= 1
	}
	return result
}

// roundMoney rounds half away from zero, which is half-up for the
// non-negative values the calculator produces.
func roundMoney(d decimal.Decimal) Money {
	return Money(d.Round(0).IntPart())
}
