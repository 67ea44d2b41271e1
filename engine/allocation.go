/*
allocation.go - Waterfall payment allocation

PURPOSE:
  Applies one tendered amount to a loan's Pending installments, oldest
  obligation first, and decides whether the loan is discharged.

ALGORITHM:
  1. No Pending installment            -> ErrAlreadySettled
  2. For each Pending in sequence order, while money remains:
       remaining >= owed : installment Paid, remaining -= owed
       otherwise         : owed -= remaining, stop (partial stays Pending)
  3. Money left after the whole set goes to the next still-Pending
     installment in the updated state. If there is none the leftover is
     not refunded or credited; it is reported as Unapplied.
  4. One Payment of the full tendered amount, attributed to the first
     installment that was Pending before the pass.
  5. If no Pending installment still owes money, every remaining Pending
     one is closed as Paid and the loan is completed.

ATOMICITY:
  Allocate is pure. It takes the loaded snapshot and returns the complete
  set of mutations; the Coordinator commits them in one store transaction
  under the per-loan lock, so no caller ever sees a half-applied payment.

CONSERVATION:
  OutstandingBefore - (Amount - Unapplied) == OutstandingAfter
*/
package engine

import (
	"fmt"
	"slices"
	"time"
)

// AllocationInput is the snapshot one allocation pass works on.
type AllocationInput struct {
	LoanID    LoanID
	PaymentID PaymentID
	Amount    Money
	Note      string
	At        time.Time

	// Installments of the loan; only Pending ones take part.
	Installments []Installment
}

// Allocation is the full outcome of one pass, ready to commit.
type Allocation struct {
	Payment Payment

	// Updated holds every installment whose state changed, by sequence.
	Updated []Installment

	LoanCompleted bool

	// Unapplied is the part of the payment that found no installment to
	// reduce. It is not stored anywhere; callers are expected to surface it.
	Unapplied Money

	OutstandingBefore Money
	OutstandingAfter  Money
}

// Applied is the part of the payment that reduced outstanding balance.
func (a *Allocation) Applied() Money {
	return a.Payment.Amount - a.Unapplied
}

// Allocate runs the waterfall over the Pending installments in the input.
func Allocate(in AllocationInput) (*Allocation, error) {
	if in.Amount <= 0 {
		return nil, &InvalidInputError{Field: "amount", Reason: "must be positive"}
	}

	pending := pendingBySequence(in.Installments)
	if len(pending) == 0 {
		return nil, &SettledError{LoanID: in.LoanID}
	}

	// Work on a copy; pending keeps the before-state for the diff.
	work := slices.Clone(pending)
	for i := range work {
		if work[i].Remaining < 0 {
			work[i].Remaining = 0
		}
	}
	before := outstanding(work)

	// Step 2: waterfall.
	remaining := in.Amount
	for i := range work {
		if remaining <= 0 {
			break
		}
		owed := work[i].Remaining
		if remaining >= owed {
			markPaid(&work[i], in.At)
			remaining -= owed
			continue
		}
		work[i].Remaining -= remaining
		remaining = 0
		break
	}

	// Step 3: leftover to the next installment still Pending after step 2.
	if remaining > 0 {
		if idx := firstPending(work); idx >= 0 {
			owed := work[idx].Remaining
			newAmount := max(0, owed-remaining)
			work[idx].Remaining = newAmount
			remaining -= owed - newAmount
			if newAmount == 0 {
				markPaid(&work[idx], in.At)
			}
		}
	}

	// Step 5: completion sweep.
	completed := true
	for i := range work {
		if work[i].Status == InstallmentPending && work[i].Remaining > 0 {
			completed = false
			break
		}
	}
	if completed {
		for i := range work {
			if work[i].Status == InstallmentPending {
				markPaid(&work[i], in.At)
			}
		}
	}

	// Step 4: the payment record.
	note := in.Note
	if note == "" {
		note = fmt.Sprintf("payment processed, outstanding before: %d", before)
	}
	payment := Payment{
		ID:       in.PaymentID,
		LoanID:   in.LoanID,
		Amount:   in.Amount,
		PaidAt:   in.At,
		Sequence: pending[0].Sequence,
		Note:     note,
	}

	var updated []Installment
	for i := range work {
		if changed(pending[i], work[i]) {
			updated = append(updated, work[i])
		}
	}

	return &Allocation{
		Payment:           payment,
		Updated:           updated,
		LoanCompleted:     completed,
		Unapplied:         remaining,
		OutstandingBefore: before,
		OutstandingAfter:  outstanding(work),
	}, nil
}

// Outstanding sums what is still owed across Pending installments.
func Outstanding(installments []Installment) Money {
	return outstanding(installments)
}

func outstanding(installments []Installment) Money {
	var total Money
	for _, inst := range installments {
		total += inst.Owed()
	}
	return total
}

func pendingBySequence(installments []Installment) []Installment {
	var pending []Installment
	for _, inst := range installments {
		if inst.Status == InstallmentPending {
			pending = append(pending, inst)
		}
	}
	slices.SortFunc(pending, func(a, b Installment) int {
		return a.Sequence - b.Sequence
	})
	return pending
}

func firstPending(installments []Installment) int {
	for i := range installments {
		if installments[i].Status == InstallmentPending {
			return i
		}
	}
	return -1
}

func markPaid(inst *Installment, at time.Time) {
	paidAt := at
	inst.Status = InstallmentPaid
	inst.Remaining = 0
	inst.PaidAt = &paidAt
}

func changed(a, b Installment) bool {
	return a.Status != b.Status || a.Remaining != b.Remaining
}
