/*
scheduler.go - Payment reminder scheduler

PURPOSE:
  Periodically finds Pending installments that are coming due or overdue
  and e-mails the borrower. Reminders only read; they never touch
  installments or loans.

DESIGN:
  - robfig/cron drives the jobs, UTC, overlapping runs skipped
  - Upcoming: due between today and today + LeadDays
  - Overdue: due before today
  - Only Active loans with a client e-mail are notified
  - A second job sweeps idle payment rate limiters

USAGE:
  scheduler := NewReminderScheduler(coordinator, sender, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - notify/email.go: Sender
  - engine/lifecycle.go: InstallmentsDue, Overdue
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/loan-engine/engine"
	"github.com/warp/loan-engine/metrics"
	"github.com/warp/loan-engine/notify"
)

const limiterSweepSpec = "@every 10m"

// ReminderScheduler e-mails borrowers about due and overdue installments.
type ReminderScheduler struct {
	Loans    *engine.Coordinator
	Sender   notify.Sender
	Metrics  *metrics.Collector
	Limiter  *PaymentLimiter
	Spec     string
	LeadDays int
	Clock    engine.Clock
	Logger   logrus.FieldLogger

	cron *cron.Cron
}

// NewReminderScheduler creates a scheduler running daily at 08:00 UTC with
// a three-day lead.
func NewReminderScheduler(loans *engine.Coordinator, sender notify.Sender, logger logrus.FieldLogger) *ReminderScheduler {
	return &ReminderScheduler{
		Loans:    loans,
		Sender:   sender,
		Spec:     "0 8 * * *",
		LeadDays: 3,
		Clock:    engine.SystemClock,
		Logger:   logger,
	}
}

// Start registers the jobs and begins the scheduler.
func (rs *ReminderScheduler) Start() error {
	cronLogger := cron.PrintfLogger(rs.Logger)
	rs.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	if rs.Sender != nil {
		if _, err := rs.cron.AddFunc(rs.Spec, func() {
			if _, err := rs.RunOnce(context.Background()); err != nil {
				rs.Logger.WithError(err).Error("reminder run failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid reminder schedule %q: %w", rs.Spec, err)
		}
	}

	if rs.Limiter != nil {
		if _, err := rs.cron.AddFunc(limiterSweepSpec, func() {
			if n := rs.Limiter.Cleanup(); n > 0 {
				rs.Logger.WithField("removed", n).Debug("idle payment limiters removed")
			}
		}); err != nil {
			return err
		}
	}

	rs.cron.Start()
	rs.Logger.WithFields(logrus.Fields{
		"spec":      rs.Spec,
		"lead_days": rs.LeadDays,
		"reminders": rs.Sender != nil,
	}).Info("scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (rs *ReminderScheduler) Stop() {
	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.Logger.Info("scheduler stopped")
}

// RunOnce sends every reminder due now and returns how many were sent.
// A failed send is logged and counted; it does not stop the run.
func (rs *ReminderScheduler) RunOnce(ctx context.Context) (int, error) {
	now := rs.Clock().UTC()
	today := engine.StartOfDay(now)

	upcoming, err := rs.Loans.InstallmentsDue(ctx, today, engine.EndOfDay(today.AddDate(0, 0, rs.LeadDays)))
	if err != nil {
		return 0, fmt.Errorf("failed to load upcoming installments: %w", err)
	}
	overdue, err := rs.Loans.Overdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to load overdue installments: %w", err)
	}

	loans := make(map[engine.LoanID]*engine.Loan)
	lookup := func(id engine.LoanID) *engine.Loan {
		if loan, ok := loans[id]; ok {
			return loan
		}
		loan, err := rs.Loans.GetLoan(ctx, id)
		if err != nil {
			rs.Logger.WithError(err).WithField("loan_id", id).Warn("reminder skipped: loan lookup failed")
			loans[id] = nil
			return nil
		}
		loans[id] = &loan
		return &loan
	}

	sent := 0
	send := func(inst engine.Installment, isOverdue bool) {
		loan := lookup(inst.LoanID)
		if loan == nil || loan.Status != engine.LoanActive || loan.ClientEmail == "" {
			return
		}
		reminder := notify.Reminder{
			To:        loan.ClientEmail,
			ClientID:  loan.ClientID,
			LoanID:    loan.ID,
			Sequence:  inst.Sequence,
			DueDate:   inst.DueDate,
			Amount:    inst.Owed(),
			IsOverdue: isOverdue,
		}
		if isOverdue {
			reminder.DaysOverdue = engine.DaysBetween(inst.DueDate, now)
		}

		err := rs.Sender.SendPaymentReminder(ctx, reminder)
		if rs.Metrics != nil {
			rs.Metrics.ReminderSent(err)
		}
		if err != nil {
			rs.Logger.WithError(err).WithField("loan_id", loan.ID).Warn("reminder not sent")
			return
		}
		sent++
	}

	for _, inst := range overdue {
		send(inst, true)
	}
	for _, inst := range upcoming {
		send(inst, false)
	}

	rs.Logger.WithFields(logrus.Fields{
		"upcoming": len(upcoming),
		"overdue":  len(overdue),
		"sent":     sent,
	}).Info("reminder run complete")
	return sent, nil
}
