package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/loan-engine/engine"
)

// conn runs every query against either the *sqlx.DB or an open *sqlx.Tx.
type conn struct {
	q sqlx.ExtContext
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.q.Rebind(query), args...)
}

func (c *conn) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, c.q, dest, c.q.Rebind(query), args...)
}

func (c *conn) selectRows(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, c.q, dest, c.q.Rebind(query), args...)
}

// =============================================================================
// LOANS
// =============================================================================

func (c *conn) CreateLoan(ctx context.Context, loan engine.Loan) error {
	_, err := c.exec(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.ClientID, loan.ClientEmail, loan.LenderID, loan.Purpose,
		int64(loan.Principal), loan.AnnualRate.String(), loan.TermMonths,
		int64(loan.InstallmentAmount), int64(loan.TotalAmount), string(loan.Status),
		formatTime(loan.CreatedAt), formatTimePtr(loan.ApprovedAt),
		formatTimePtr(loan.StartDate), formatTimePtr(loan.CompletedAt), loan.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &engine.StateError{Kind: "loan", ID: string(loan.ID), Status: "exists", Operation: "create"}
		}
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (c *conn) GetLoan(ctx context.Context, id engine.LoanID) (engine.Loan, error) {
	var row loanRow
	err := c.get(ctx, &row, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Loan{}, engine.LoanNotFound(id)
	}
	if err != nil {
		return engine.Loan{}, fmt.Errorf("failed to load loan: %w", err)
	}
	return row.toLoan()
}

// UpdateLoan writes every mutable column if the stored version matches.
func (c *conn) UpdateLoan(ctx context.Context, loan engine.Loan) error {
	res, err := c.exec(ctx, `
		UPDATE loans SET
			lender_id = ?, annual_rate = ?, installment_amount = ?, total_amount = ?, status = ?,
			approved_at = ?, start_date = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.LenderID, loan.AnnualRate.String(), int64(loan.InstallmentAmount), int64(loan.TotalAmount),
		string(loan.Status), formatTimePtr(loan.ApprovedAt), formatTimePtr(loan.StartDate),
		formatTimePtr(loan.CompletedAt), loan.ID, loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := c.get(ctx, &count, `SELECT COUNT(*) FROM loans WHERE id = ?`, loan.ID); err != nil {
		return fmt.Errorf("failed to check loan: %w", err)
	}
	if count == 0 {
		return engine.LoanNotFound(loan.ID)
	}
	return engine.ErrConcurrentModification
}

func (c *conn) ListLoans(ctx context.Context, filter engine.LoanFilter) ([]engine.Loan, error) {
	var (
		where []string
		args  []any
	)
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.LenderID != "" {
		where = append(where, "lender_id = ?")
		args = append(args, filter.LenderID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	var rows []loanRow
	if err := c.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	loans := make([]engine.Loan, 0, len(rows))
	for _, row := range rows {
		loan, err := row.toLoan()
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func (c *conn) AppendInstallments(ctx context.Context, installments []engine.Installment) error {
	for _, inst := range installments {
		_, err := c.exec(ctx, `
			INSERT INTO installments (`+installmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.LoanID, inst.Sequence, formatTime(inst.DueDate),
			int64(inst.Amount), int64(inst.Remaining), string(inst.Status), formatTimePtr(inst.PaidAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &engine.StateError{Kind: "installment", ID: string(inst.ID), Status: "exists", Operation: "append"}
			}
			return fmt.Errorf("failed to insert installment: %w", err)
		}
	}
	return nil
}

func (c *conn) ListInstallments(ctx context.Context, loanID engine.LoanID) ([]engine.Installment, error) {
	return c.queryInstallments(ctx, `
		SELECT `+installmentColumns+` FROM installments
		WHERE loan_id = ?
		ORDER BY sequence ASC`, loanID)
}

func (c *conn) UpdateInstallments(ctx context.Context, installments []engine.Installment) error {
	for _, inst := range installments {
		res, err := c.exec(ctx, `
			UPDATE installments SET remaining = ?, status = ?, paid_at = ?
			WHERE id = ? AND loan_id = ?`,
			int64(inst.Remaining), string(inst.Status), formatTimePtr(inst.PaidAt), inst.ID, inst.LoanID,
		)
		if err != nil {
			return fmt.Errorf("failed to update installment: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return &engine.NotFoundError{Kind: "installment", ID: string(inst.ID)}
		}
	}
	return nil
}

func (c *conn) InstallmentsDue(ctx context.Context, from, to time.Time) ([]engine.Installment, error) {
	return c.queryInstallments(ctx, `
		SELECT `+installmentColumns+` FROM installments
		WHERE status = ? AND due_date >= ? AND due_date <= ?
		ORDER BY due_date ASC, loan_id ASC, sequence ASC`,
		string(engine.InstallmentPending), formatTime(from), formatTime(to))
}

func (c *conn) queryInstallments(ctx context.Context, query string, args ...any) ([]engine.Installment, error) {
	var rows []installmentRow
	if err := c.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	result := make([]engine.Installment, 0, len(rows))
	for _, row := range rows {
		inst, err := row.toInstallment()
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// AppendPayment adds a payment. Append-only.
func (c *conn) AppendPayment(ctx context.Context, payment engine.Payment) error {
	var position int
	if err := c.get(ctx, &position,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM payments WHERE loan_id = ?`, payment.LoanID); err != nil {
		return fmt.Errorf("failed to number payment: %w", err)
	}

	_, err := c.exec(ctx, `
		INSERT INTO payments (id, loan_id, position, amount, paid_at, sequence, note, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.LoanID, position, int64(payment.Amount), formatTime(payment.PaidAt),
		payment.Sequence, payment.Note, nullString(payment.IdempotencyKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) && isIdempotencyKeyError(err) {
			return engine.ErrDuplicatePayment
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (c *conn) ListPayments(ctx context.Context, loanID engine.LoanID) ([]engine.Payment, error) {
	var rows []paymentRow
	err := c.selectRows(ctx, &rows, `
		SELECT `+paymentColumns+` FROM payments
		WHERE loan_id = ?
		ORDER BY position ASC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	result := make([]engine.Payment, 0, len(rows))
	for _, row := range rows {
		p, err := row.toPayment()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// PaymentKeyExists checks if an idempotency key exists.
func (c *conn) PaymentKeyExists(ctx context.Context, key string) (bool, error) {
	var count int
	if err := c.get(ctx, &count, `SELECT COUNT(*) FROM payments WHERE idempotency_key = ?`, key); err != nil {
		return false, fmt.Errorf("failed to check payment key: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// PROPOSALS
// =============================================================================

func (c *conn) CreateProposal(ctx context.Context, p engine.Proposal) error {
	_, err := c.exec(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.LoanID, p.LenderID, p.Reason, p.OriginalRate.String(), p.ProposedRate.String(),
		int64(p.OriginalInstallment), int64(p.ProposedInstallment),
		int64(p.OriginalTotal), int64(p.ProposedTotal),
		formatTime(p.StartDate), string(p.Status), formatTime(p.CreatedAt), formatTimePtr(p.RespondedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

func (c *conn) GetProposal(ctx context.Context, id engine.ProposalID) (engine.Proposal, error) {
	var row proposalRow
	err := c.get(ctx, &row, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Proposal{}, engine.ProposalNotFound(id)
	}
	if err != nil {
		return engine.Proposal{}, fmt.Errorf("failed to load proposal: %w", err)
	}
	return row.toProposal()
}

func (c *conn) UpdateProposal(ctx context.Context, p engine.Proposal) error {
	res, err := c.exec(ctx, `
		UPDATE proposals SET status = ?, responded_at = ?
		WHERE id = ?`,
		string(p.Status), formatTimePtr(p.RespondedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update proposal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return engine.ProposalNotFound(p.ID)
	}
	return nil
}

func (c *conn) ListProposals(ctx context.Context, filter engine.ProposalFilter) ([]engine.Proposal, error) {
	var (
		where []string
		args  []any
	)
	if filter.LoanID != "" {
		where = append(where, "loan_id = ?")
		args = append(args, filter.LoanID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`

	var rows []proposalRow
	if err := c.selectRows(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	result := make([]engine.Proposal, 0, len(rows))
	for _, row := range rows {
		p, err := row.toProposal()
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}
