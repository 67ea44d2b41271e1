/*
lifecycle.go - Loan lifecycle coordinator

PURPOSE:
  The only entry point external callers use. Sequences the calculator,
  the materializer and the allocation engine, guards status transitions,
  and commits every change through one store transaction.

LOAN FLOW:
  Originate ──▶ pending ──Approve──────────▶ active ──payments──▶ completed
                   │     ──AcceptProposal──▶   │
                   │                           └──MarkDefaulted──▶ defaulted
                   └──Reject──▶ rejected

  Approve and AcceptProposal share activate(): same calculator, same
  materializer, so the schedules they produce are identical for the same
  rate, term and start date.

SERIALIZATION:
  Every write on a loan holds that loan's lock for the whole
  load-compute-commit cycle. Loans never wait on each other. The stored
  loan Version is bumped on every write, so a second process sharing the
  database gets ErrConcurrentModification instead of interleaving.

OVERPAYMENT:
  A payment larger than the outstanding balance completes the loan and the
  excess is lost. It is returned as Allocation.Unapplied, logged at Warn and
  reported to the Observer; it is never stored.

SEE ALSO:
  - allocation.go: Allocate
  - statement.go: Statement
*/
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Observer receives engine events. metrics.Collector implements it.
type Observer interface {
	PaymentAllocated(alloc *Allocation, elapsed time.Duration)
	PaymentFailed(err error)
	LoanTransitioned(from, to LoanStatus)
}

type nopObserver struct{}

func (nopObserver) PaymentAllocated(*Allocation, time.Duration) {}
func (nopObserver) PaymentFailed(error)                         {}
func (nopObserver) LoanTransitioned(LoanStatus, LoanStatus)     {}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Store      TxStore
	Calculator Calculator
	Logger     logrus.FieldLogger
	Observer   Observer
	Clock      Clock
	NewID      func() string

	locks *loanLocks
}

// NewCoordinator wires a coordinator with system clock, UUID ids and no
// observer. Fields may be replaced before first use.
func NewCoordinator(store TxStore, logger logrus.FieldLogger) *Coordinator {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	return &Coordinator{
		Store:    store,
		Logger:   logger,
		Observer: nopObserver{},
		Clock:    SystemClock,
		NewID:    uuid.NewString,
		locks:    newLoanLocks(),
	}
}

func (c *Coordinator) now() time.Time {
	return c.Clock().UTC()
}

// =============================================================================
// QUOTING & ORIGINATION
// =============================================================================

// Quote runs the calculator without touching any state.
func (c *Coordinator) Quote(principal Money, ratePercent decimal.Decimal, termMonths int) (Quote, error) {
	return c.Calculator.Calculate(principal, ratePercent, termMonths)
}

// payableQuote is Calculate for loans that will get a schedule: an
// installment that rounds to zero could never be paid down.
func (c *Coordinator) payableQuote(principal Money, ratePercent decimal.Decimal, termMonths int) (Quote, error) {
	quote, err := c.Calculator.Calculate(principal, ratePercent, termMonths)
	if err != nil {
		return Quote{}, err
	}
	if quote.InstallmentAmount <= 0 {
		return Quote{}, &InvalidInputError{Field: "principal", Reason: "too small for the term: installment rounds to zero"}
	}
	return quote, nil
}

type OriginateRequest struct {
	ClientID    string
	ClientEmail string
	LenderID    string
	Purpose     string
	Principal   Money
	AnnualRate  decimal.Decimal
	TermMonths  int
}

// Originate records a new Pending loan with its computed installment.
func (c *Coordinator) Originate(ctx context.Context, req OriginateRequest) (Loan, error) {
	if req.ClientID == "" {
		return Loan{}, &InvalidInputError{Field: "client_id", Reason: "must not be empty"}
	}
	quote, err := c.payableQuote(req.Principal, req.AnnualRate, req.TermMonths)
	if err != nil {
		return Loan{}, err
	}

	loan := Loan{
		ID:                LoanID(c.NewID()),
		ClientID:          req.ClientID,
		ClientEmail:       req.ClientEmail,
		LenderID:          req.LenderID,
		Purpose:           req.Purpose,
		Principal:         quote.Principal,
		AnnualRate:        quote.AnnualRate,
		TermMonths:        quote.TermMonths,
		InstallmentAmount: quote.InstallmentAmount,
		TotalAmount:       quote.TotalAmount,
		Status:            LoanPending,
		CreatedAt:         c.now(),
	}
	if err := c.Store.CreateLoan(ctx, loan); err != nil {
		return Loan{}, fmt.Errorf("failed to create loan: %w", err)
	}

	c.Logger.WithFields(logrus.Fields{
		"loan_id":     loan.ID,
		"client_id":   loan.ClientID,
		"principal":   loan.Principal,
		"installment": loan.InstallmentAmount,
	}).Info("loan originated")
	return loan, nil
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

// Approve activates a Pending loan and materializes its schedule starting at
// startDate (now when zero).
func (c *Coordinator) Approve(ctx context.Context, id LoanID, startDate time.Time) (Loan, error) {
	return c.ApproveBy(ctx, id, "", startDate)
}

// ApproveBy is Approve on behalf of a lender, who is recorded on the loan.
// An empty lenderID keeps the lender set at origination.
func (c *Coordinator) ApproveBy(ctx context.Context, id LoanID, lenderID string, startDate time.Time) (Loan, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	var result Loan
	err := c.Store.WithTx(ctx, func(s Store) error {
		loan, err := s.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(LoanActive) {
			return &StateError{Kind: "loan", ID: string(id), Status: string(loan.Status), Operation: "approve"}
		}
		result, err = c.activate(ctx, s, loan, lenderID, loan.AnnualRate, startDate)
		return err
	})
	if err != nil {
		return Loan{}, err
	}

	c.Observer.LoanTransitioned(LoanPending, LoanActive)
	c.Logger.WithFields(logrus.Fields{
		"loan_id":    id,
		"lender_id":  result.LenderID,
		"start_date": result.StartDate,
		"term":       result.TermMonths,
	}).Info("loan approved")
	return result, nil
}

// Reject closes a Pending loan without a schedule.
func (c *Coordinator) Reject(ctx context.Context, id LoanID) (Loan, error) {
	return c.transition(ctx, id, LoanRejected, "reject")
}

// MarkDefaulted closes an Active loan. Its Pending installments stay as they
// are and further payments are refused.
func (c *Coordinator) MarkDefaulted(ctx context.Context, id LoanID) (Loan, error) {
	return c.transition(ctx, id, LoanDefaulted, "default")
}

func (c *Coordinator) transition(ctx context.Context, id LoanID, to LoanStatus, op string) (Loan, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	var (
		result Loan
		from   LoanStatus
	)
	err := c.Store.WithTx(ctx, func(s Store) error {
		loan, err := s.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(to) {
			return &StateError{Kind: "loan", ID: string(id), Status: string(loan.Status), Operation: op}
		}
		from = loan.Status
		loan.Status = to
		if err := s.UpdateLoan(ctx, loan); err != nil {
			return err
		}
		loan.Version++
		result = loan
		return nil
	})
	if err != nil {
		return Loan{}, err
	}

	c.Observer.LoanTransitioned(from, to)
	c.Logger.WithFields(logrus.Fields{"loan_id": id, "from": from, "to": to}).Info("loan status changed")
	return result, nil
}

// activate is shared by approval and proposal acceptance.
func (c *Coordinator) activate(ctx context.Context, s Store, loan Loan, lenderID string, rate decimal.Decimal, startDate time.Time) (Loan, error) {
	quote, err := c.Calculator.Calculate(loan.Principal, rate, loan.TermMonths)
	if err != nil {
		return Loan{}, err
	}

	existing, err := s.ListInstallments(ctx, loan.ID)
	if err != nil {
		return Loan{}, err
	}
	if len(existing) > 0 {
		return Loan{}, &StateError{Kind: "loan", ID: string(loan.ID), Status: "scheduled", Operation: "materialize schedule for"}
	}

	now := c.now()
	if startDate.IsZero() {
		startDate = now
	}
	startDate = startDate.UTC()

	installments, err := MaterializeSchedule(loan.ID, quote.InstallmentAmount, quote.TermMonths, startDate)
	if err != nil {
		return Loan{}, err
	}

	if lenderID != "" {
		loan.LenderID = lenderID
	}
	loan.AnnualRate = quote.AnnualRate
	loan.InstallmentAmount = quote.InstallmentAmount
	loan.TotalAmount = quote.TotalAmount
	loan.Status = LoanActive
	loan.ApprovedAt = &now
	loan.StartDate = &startDate

	if err := s.UpdateLoan(ctx, loan); err != nil {
		return Loan{}, err
	}
	loan.Version++

	if err := s.AppendInstallments(ctx, installments); err != nil {
		return Loan{}, fmt.Errorf("failed to persist schedule: %w", err)
	}
	return loan, nil
}

// =============================================================================
// PROPOSALS
// =============================================================================

type ProposeRateRequest struct {
	LoanID    LoanID
	LenderID  string
	NewRate   decimal.Decimal
	StartDate time.Time
	Reason    string
}

// ProposeRate quotes a Pending loan at a new rate and stores the comparison
// as a Pending proposal. The loan is not modified.
func (c *Coordinator) ProposeRate(ctx context.Context, req ProposeRateRequest) (Proposal, error) {
	loan, err := c.Store.GetLoan(ctx, req.LoanID)
	if err != nil {
		return Proposal{}, err
	}
	if loan.Status != LoanPending {
		return Proposal{}, &StateError{Kind: "loan", ID: string(loan.ID), Status: string(loan.Status), Operation: "propose rate for"}
	}

	quote, err := c.payableQuote(loan.Principal, req.NewRate, loan.TermMonths)
	if err != nil {
		return Proposal{}, err
	}

	now := c.now()
	start := req.StartDate
	if start.IsZero() {
		start = now
	}

	proposal := Proposal{
		ID:                  ProposalID(c.NewID()),
		LoanID:              loan.ID,
		LenderID:            req.LenderID,
		Reason:              req.Reason,
		OriginalRate:        loan.AnnualRate,
		ProposedRate:        quote.AnnualRate,
		OriginalInstallment: loan.InstallmentAmount,
		ProposedInstallment: quote.InstallmentAmount,
		OriginalTotal:       loan.TotalAmount,
		ProposedTotal:       quote.TotalAmount,
		StartDate:           start.UTC(),
		Status:              ProposalPending,
		CreatedAt:           now,
	}
	if err := c.Store.CreateProposal(ctx, proposal); err != nil {
		return Proposal{}, fmt.Errorf("failed to create proposal: %w", err)
	}

	c.Logger.WithFields(logrus.Fields{
		"loan_id":       loan.ID,
		"proposal_id":   proposal.ID,
		"original_rate": proposal.OriginalRate.String(),
		"proposed_rate": proposal.ProposedRate.String(),
	}).Info("rate proposal created")
	return proposal, nil
}

// RespondToProposal accepts or rejects a Pending proposal. Acceptance
// applies the proposed rate and activates the loan exactly as Approve does.
func (c *Coordinator) RespondToProposal(ctx context.Context, id ProposalID, accept bool) (Proposal, Loan, error) {
	first, err := c.Store.GetProposal(ctx, id)
	if err != nil {
		return Proposal{}, Loan{}, err
	}

	unlock := c.locks.lock(first.LoanID)
	defer unlock()

	var (
		proposal Proposal
		loan     Loan
	)
	err = c.Store.WithTx(ctx, func(s Store) error {
		p, err := s.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != ProposalPending {
			return &StateError{Kind: "proposal", ID: string(id), Status: string(p.Status), Operation: "respond to"}
		}
		l, err := s.GetLoan(ctx, p.LoanID)
		if err != nil {
			return err
		}

		now := c.now()
		p.RespondedAt = &now
		if accept {
			if l.Status != LoanPending {
				return &StateError{Kind: "loan", ID: string(l.ID), Status: string(l.Status), Operation: "accept proposal for"}
			}
			l, err = c.activate(ctx, s, l, p.LenderID, p.ProposedRate, p.StartDate)
			if err != nil {
				return err
			}
			p.Status = ProposalAccepted
		} else {
			p.Status = ProposalRejected
		}

		if err := s.UpdateProposal(ctx, p); err != nil {
			return err
		}
		proposal, loan = p, l
		return nil
	})
	if err != nil {
		return Proposal{}, Loan{}, err
	}

	if accept {
		c.Observer.LoanTransitioned(LoanPending, LoanActive)
	}
	c.Logger.WithFields(logrus.Fields{
		"loan_id":     loan.ID,
		"proposal_id": id,
		"status":      proposal.Status,
	}).Info("rate proposal answered")
	return proposal, loan, nil
}

func (c *Coordinator) AcceptProposal(ctx context.Context, id ProposalID) (Proposal, Loan, error) {
	return c.RespondToProposal(ctx, id, true)
}

func (c *Coordinator) DeclineProposal(ctx context.Context, id ProposalID) (Proposal, Loan, error) {
	return c.RespondToProposal(ctx, id, false)
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentRequest struct {
	LoanID         LoanID
	Amount         Money
	Note           string
	IdempotencyKey string
}

// SubmitPayment allocates one payment across the loan's Pending installments
// and commits the result atomically.
func (c *Coordinator) SubmitPayment(ctx context.Context, req PaymentRequest) (*Allocation, error) {
	if req.Amount <= 0 {
		err := &InvalidInputError{Field: "amount", Reason: "must be positive"}
		c.Observer.PaymentFailed(err)
		return nil, err
	}

	unlock := c.locks.lock(req.LoanID)
	defer unlock()

	started := time.Now()
	var alloc *Allocation
	err := c.Store.WithTx(ctx, func(s Store) error {
		loan, err := s.GetLoan(ctx, req.LoanID)
		if err != nil {
			return err
		}
		switch loan.Status {
		case LoanActive:
		case LoanCompleted:
			return &SettledError{LoanID: loan.ID}
		case LoanPending, LoanRejected, LoanDefaulted:
			return &StateError{Kind: "loan", ID: string(loan.ID), Status: string(loan.Status), Operation: "pay"}
		default:
			return &StateError{Kind: "loan", ID: string(loan.ID), Status: string(loan.Status), Operation: "pay"}
		}

		if req.IdempotencyKey != "" {
			exists, err := s.PaymentKeyExists(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("payment key %q: %w", req.IdempotencyKey, ErrDuplicatePayment)
			}
		}

		installments, err := s.ListInstallments(ctx, loan.ID)
		if err != nil {
			return err
		}

		now := c.now()
		alloc, err = Allocate(AllocationInput{
			LoanID:       loan.ID,
			PaymentID:    PaymentID(c.NewID()),
			Amount:       req.Amount,
			Note:         req.Note,
			At:           now,
			Installments: installments,
		})
		if err != nil {
			return err
		}
		alloc.Payment.IdempotencyKey = req.IdempotencyKey

		if len(alloc.Updated) > 0 {
			if err := s.UpdateInstallments(ctx, alloc.Updated); err != nil {
				return err
			}
		}
		if err := s.AppendPayment(ctx, alloc.Payment); err != nil {
			return err
		}

		if alloc.LoanCompleted {
			loan.Status = LoanCompleted
			loan.CompletedAt = &now
		}
		// Always written so the version token moves with every payment.
		return s.UpdateLoan(ctx, loan)
	})
	if err != nil {
		c.Observer.PaymentFailed(err)
		return nil, err
	}

	c.Observer.PaymentAllocated(alloc, time.Since(started))
	log := c.Logger.WithFields(logrus.Fields{
		"loan_id":    req.LoanID,
		"payment_id": alloc.Payment.ID,
		"amount":     req.Amount,
		"sequence":   alloc.Payment.Sequence,
	})
	log.Info("payment allocated")
	if alloc.Unapplied > 0 {
		log.WithField("unapplied", alloc.Unapplied).Warn("payment exceeded outstanding balance; remainder not applied")
	}
	if alloc.LoanCompleted {
		c.Observer.LoanTransitioned(LoanActive, LoanCompleted)
		log.Info("loan completed")
	}
	return alloc, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (c *Coordinator) GetLoan(ctx context.Context, id LoanID) (Loan, error) {
	return c.Store.GetLoan(ctx, id)
}

func (c *Coordinator) ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error) {
	return c.Store.ListLoans(ctx, filter)
}

// Installments returns the loan's schedule; empty until the loan is activated.
func (c *Coordinator) Installments(ctx context.Context, id LoanID) ([]Installment, error) {
	if _, err := c.Store.GetLoan(ctx, id); err != nil {
		return nil, err
	}
	return c.Store.ListInstallments(ctx, id)
}

func (c *Coordinator) Payments(ctx context.Context, id LoanID) ([]Payment, error) {
	if _, err := c.Store.GetLoan(ctx, id); err != nil {
		return nil, err
	}
	return c.Store.ListPayments(ctx, id)
}

func (c *Coordinator) GetProposal(ctx context.Context, id ProposalID) (Proposal, error) {
	return c.Store.GetProposal(ctx, id)
}

func (c *Coordinator) ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error) {
	return c.Store.ListProposals(ctx, filter)
}

// InstallmentsDue lists Pending installments due in [from, to] across loans.
func (c *Coordinator) InstallmentsDue(ctx context.Context, from, to time.Time) ([]Installment, error) {
	if to.Before(from) {
		return nil, &InvalidInputError{Field: "to", Reason: "must not be before from"}
	}
	return c.Store.InstallmentsDue(ctx, from.UTC(), to.UTC())
}

// Overdue lists Pending installments whose due day ended before asOf's day.
func (c *Coordinator) Overdue(ctx context.Context, asOf time.Time) ([]Installment, error) {
	return c.Store.InstallmentsDue(ctx, time.Unix(0, 0).UTC(), StartOfDay(asOf).Add(-time.Nanosecond))
}
