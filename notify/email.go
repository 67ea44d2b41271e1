// Package notify sends payment reminders to borrowers.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/warp/loan-engine/config"
	"github.com/warp/loan-engine/engine"
)

// Reminder is one installment a borrower should hear about.
type Reminder struct {
	To          string
	ClientID    string
	LoanID      engine.LoanID
	Sequence    int
	DueDate     time.Time
	Amount      engine.Money
	IsOverdue   bool
	DaysOverdue int
}

// Sender delivers reminders.
type Sender interface {
	SendPaymentReminder(ctx context.Context, r Reminder) error
}

// EmailSender handles sending reminders via SMTP.
type EmailSender struct {
	cfg    config.SMTPConfig
	logger logrus.FieldLogger
	send   func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewEmailSender(cfg config.SMTPConfig, logger logrus.FieldLogger) *EmailSender {
	return &EmailSender{
		cfg:    cfg,
		logger: logger,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// SendPaymentReminder sends a payment reminder email.
func (s *EmailSender) SendPaymentReminder(ctx context.Context, r Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := BuildReminder(s.cfg.Sender, r)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := s.send(e, s.cfg.Addr(), auth); err != nil {
		s.logger.WithFields(logrus.Fields{"to": r.To, "loan_id": r.LoanID}).WithError(err).Error("failed to send reminder")
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"to":       r.To,
		"loan_id":  r.LoanID,
		"sequence": r.Sequence,
		"subject":  e.Subject,
	}).Info("reminder sent")
	return nil
}

// BuildReminder renders the message for one reminder.
func BuildReminder(from string, r Reminder) *email.Email {
	e := email.NewEmail()
	e.From = from
	e.To = []string{r.To}
	if r.IsOverdue {
		e.Subject = "Overdue Loan Installment"
	} else {
		e.Subject = "Upcoming Loan Installment"
	}

	body := fmt.Sprintf("Dear %s,\n\n", r.ClientID)
	if r.IsOverdue {
		body += fmt.Sprintf(
			"Installment %d of loan %s (%d) was due on %s and is %d day(s) overdue.\n"+
				"Please make the payment as soon as possible.\n",
			r.Sequence, r.LoanID, r.Amount, r.DueDate.Format("2006-01-02"), r.DaysOverdue,
		)
	} else {
		body += fmt.Sprintf(
			"Installment %d of loan %s (%d) is due on %s.\n",
			r.Sequence, r.LoanID, r.Amount, r.DueDate.Format("2006-01-02"),
		)
	}
	body += "\nBest regards,\nLoan Servicing"
	e.Text = []byte(body)
	return e
}
