package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/engine"
	"github.com/warp/loan-engine/engine/store"
	"github.com/warp/loan-engine/notify"
)

type recordingSender struct {
	mu        sync.Mutex
	reminders []notify.Reminder
	err       error
}

func (s *recordingSender) SendPaymentReminder(_ context.Context, r notify.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reminders = append(s.reminders, r)
	return nil
}

// reminderFixture creates loans starting 2025-01-01 (due 01-31, 03-02, 04-01, ...)
// and a scheduler whose clock reads 2025-02-28 08:00.
func reminderFixture(t *testing.T, sender notify.Sender) (*ReminderScheduler, *engine.Coordinator) {
	t.Helper()
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()

	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	loans := engine.NewCoordinator(store.NewTxMemory(), logger)
	loans.Clock = func() time.Time { return start }

	originate := func(email string) engine.Loan {
		loan, err := loans.Originate(ctx, engine.OriginateRequest{
			ClientID:    "client-" + email,
			ClientEmail: email,
			Principal:   1200,
			AnnualRate:  decimal.Zero,
			TermMonths:  12,
		})
		require.NoError(t, err)
		return loan
	}

	withEmail := originate("borrower@example.com")
	_, err := loans.Approve(ctx, withEmail.ID, start)
	require.NoError(t, err)

	// Active but unreachable, and pending without a schedule.
	noEmail := originate("")
	_, err = loans.Approve(ctx, noEmail.ID, start)
	require.NoError(t, err)
	originate("pending@example.com")

	rs := NewReminderScheduler(loans, sender, logger)
	rs.Clock = func() time.Time { return time.Date(2025, time.February, 28, 8, 0, 0, 0, time.UTC) }
	return rs, loans
}

func TestReminderScheduler_RunOnce(t *testing.T) {
	// GIVEN: An active loan with #1 due 01-31 (overdue) and #2 due 03-02 (within 3 days)
	// WHEN: Running the reminder job on 02-28
	// THEN: One overdue and one upcoming reminder go out; the loan without e-mail is skipped

	sender := &recordingSender{}
	rs, _ := reminderFixture(t, sender)

	sent, err := rs.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, sender.reminders, 2)

	overdue := sender.reminders[0]
	assert.True(t, overdue.IsOverdue)
	assert.Equal(t, 1, overdue.Sequence)
	assert.Equal(t, 28, overdue.DaysOverdue)
	assert.Equal(t, engine.Money(100), overdue.Amount)
	assert.Equal(t, "borrower@example.com", overdue.To)

	upcoming := sender.reminders[1]
	assert.False(t, upcoming.IsOverdue)
	assert.Equal(t, 2, upcoming.Sequence)
	assert.Zero(t, upcoming.DaysOverdue)
}

func TestReminderScheduler_PaidInstallmentsNotReminded(t *testing.T) {
	sender := &recordingSender{}
	rs, loans := reminderFixture(t, sender)
	ctx := context.Background()

	active := engine.LoanActive
	list, err := loans.ListLoans(ctx, engine.LoanFilter{Status: &active})
	require.NoError(t, err)
	for _, loan := range list {
		_, err := loans.SubmitPayment(ctx, engine.PaymentRequest{LoanID: loan.ID, Amount: 200})
		require.NoError(t, err)
	}

	sent, err := rs.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestReminderScheduler_SendFailureContinues(t *testing.T) {
	rs, _ := reminderFixture(t, &recordingSender{err: errors.New("smtp down")})

	sent, err := rs.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestReminderScheduler_StartStop(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	loans := engine.NewCoordinator(store.NewTxMemory(), logger)

	rs := NewReminderScheduler(loans, &recordingSender{}, logger)
	rs.Spec = "not a cron spec"
	assert.Error(t, rs.Start())

	rs = NewReminderScheduler(loans, &recordingSender{}, logger)
	rs.Limiter = NewPaymentLimiter(1, 1, logger)
	require.NoError(t, rs.Start())
	rs.Stop()
}
