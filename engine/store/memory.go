// Package store provides in-memory engine.TxStore implementations.
package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/loan-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	loans        map[engine.LoanID]engine.Loan
	installments map[engine.LoanID][]engine.Installment
	payments     map[engine.LoanID][]engine.Payment
	proposals    map[engine.ProposalID]engine.Proposal
	idempotency  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		loans:        make(map[engine.LoanID]engine.Loan),
		installments: make(map[engine.LoanID][]engine.Installment),
		payments:     make(map[engine.LoanID][]engine.Payment),
		proposals:    make(map[engine.ProposalID]engine.Proposal),
		idempotency:  make(map[string]bool),
	}
}

// =============================================================================
// LOANS
// =============================================================================

func (m *Memory) CreateLoan(_ context.Context, loan engine.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLoanLocked(loan)
}

func (m *Memory) createLoanLocked(loan engine.Loan) error {
	if _, ok := m.loans[loan.ID]; ok {
		return &engine.StateError{Kind: "loan", ID: string(loan.ID), Status: "exists", Operation: "create"}
	}
	m.loans[loan.ID] = loan
	return nil
}

func (m *Memory) GetLoan(_ context.Context, id engine.LoanID) (engine.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLoanLocked(id)
}

func (m *Memory) getLoanLocked(id engine.LoanID) (engine.Loan, error) {
	loan, ok := m.loans[id]
	if !ok {
		return engine.Loan{}, engine.LoanNotFound(id)
	}
	return loan, nil
}

func (m *Memory) UpdateLoan(_ context.Context, loan engine.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLoanLocked(loan)
}

func (m *Memory) updateLoanLocked(loan engine.Loan) error {
	stored, ok := m.loans[loan.ID]
	if !ok {
		return engine.LoanNotFound(loan.ID)
	}
	if stored.Version != loan.Version {
		return engine.ErrConcurrentModification
	}
	loan.Version++
	m.loans[loan.ID] = loan
	return nil
}

func (m *Memory) ListLoans(_ context.Context, filter engine.LoanFilter) ([]engine.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLoansLocked(filter), nil
}

func (m *Memory) listLoansLocked(filter engine.LoanFilter) []engine.Loan {
	var result []engine.Loan
	for _, loan := range m.loans {
		if filter.Matches(loan) {
			result = append(result, loan)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func (m *Memory) AppendInstallments(_ context.Context, installments []engine.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendInstallmentsLocked(installments)
}

func (m *Memory) appendInstallmentsLocked(installments []engine.Installment) error {
	// Check everything first (atomic check)
	seen := make(map[engine.InstallmentID]bool)
	for _, inst := range installments {
		if _, ok := m.loans[inst.LoanID]; !ok {
			return engine.LoanNotFound(inst.LoanID)
		}
		if seen[inst.ID] || m.findInstallment(inst.LoanID, inst.ID) >= 0 {
			return &engine.StateError{Kind: "installment", ID: string(inst.ID), Status: "exists", Operation: "append"}
		}
		seen[inst.ID] = true
	}

	// Append all (atomic write)
	for _, inst := range installments {
		list := m.installments[inst.LoanID]
		i := sort.Search(len(list), func(i int) bool {
			return list[i].Sequence > inst.Sequence
		})
		list = slices.Insert(list, i, inst)
		m.installments[inst.LoanID] = list
	}
	return nil
}

func (m *Memory) findInstallment(loanID engine.LoanID, id engine.InstallmentID) int {
	return slices.IndexFunc(m.installments[loanID], func(inst engine.Installment) bool {
		return inst.ID == id
	})
}

func (m *Memory) ListInstallments(_ context.Context, loanID engine.LoanID) ([]engine.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.installments[loanID]), nil
}

func (m *Memory) UpdateInstallments(_ context.Context, installments []engine.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateInstallmentsLocked(installments)
}

func (m *Memory) updateInstallmentsLocked(installments []engine.Installment) error {
	for _, inst := range installments {
		if m.findInstallment(inst.LoanID, inst.ID) < 0 {
			return &engine.NotFoundError{Kind: "installment", ID: string(inst.ID)}
		}
	}
	for _, inst := range installments {
		i := m.findInstallment(inst.LoanID, inst.ID)
		stored := &m.installments[inst.LoanID][i]
		stored.Remaining = inst.Remaining
		stored.Status = inst.Status
		stored.PaidAt = inst.PaidAt
	}
	return nil
}

func (m *Memory) InstallmentsDue(_ context.Context, from, to time.Time) ([]engine.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.installmentsDueLocked(from, to), nil
}

func (m *Memory) installmentsDueLocked(from, to time.Time) []engine.Installment {
	var result []engine.Installment
	for _, list := range m.installments {
		for _, inst := range list {
			if inst.Status != engine.InstallmentPending {
				continue
			}
			if inst.DueDate.Before(from) || inst.DueDate.After(to) {
				continue
			}
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].LoanID < result[j].LoanID
	})
	return result
}

// =============================================================================
// PAYMENTS
// =============================================================================

// AppendPayment adds a payment. Append-only.
func (m *Memory) AppendPayment(_ context.Context, payment engine.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendPaymentLocked(payment)
}

func (m *Memory) appendPaymentLocked(payment engine.Payment) error {
	if payment.IdempotencyKey != "" && m.idempotency[payment.IdempotencyKey] {
		return engine.ErrDuplicatePayment
	}
	m.payments[payment.LoanID] = append(m.payments[payment.LoanID], payment)
	if payment.IdempotencyKey != "" {
		m.idempotency[payment.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) ListPayments(_ context.Context, loanID engine.LoanID) ([]engine.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.payments[loanID]), nil
}

func (m *Memory) PaymentKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[key], nil
}

// =============================================================================
// PROPOSALS
// =============================================================================

func (m *Memory) CreateProposal(_ context.Context, proposal engine.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createProposalLocked(proposal)
}

func (m *Memory) createProposalLocked(proposal engine.Proposal) error {
	if _, ok := m.loans[proposal.LoanID]; !ok {
		return engine.LoanNotFound(proposal.LoanID)
	}
	m.proposals[proposal.ID] = proposal
	return nil
}

func (m *Memory) GetProposal(_ context.Context, id engine.ProposalID) (engine.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProposalLocked(id)
}

func (m *Memory) getProposalLocked(id engine.ProposalID) (engine.Proposal, error) {
	p, ok := m.proposals[id]
	if !ok {
		return engine.Proposal{}, engine.ProposalNotFound(id)
	}
	return p, nil
}

func (m *Memory) UpdateProposal(_ context.Context, proposal engine.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateProposalLocked(proposal)
}

func (m *Memory) updateProposalLocked(proposal engine.Proposal) error {
	if _, ok := m.proposals[proposal.ID]; !ok {
		return engine.ProposalNotFound(proposal.ID)
	}
	m.proposals[proposal.ID] = proposal
	return nil
}

func (m *Memory) ListProposals(_ context.Context, filter engine.ProposalFilter) ([]engine.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProposalsLocked(filter), nil
}

func (m *Memory) listProposalsLocked(filter engine.ProposalFilter) []engine.Proposal {
	var result []engine.Proposal
	for _, p := range m.proposals {
		if filter.Matches(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole of fn, so transactions never overlap.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Snapshot current state
	snapshot := tm.snapshot()

	// Create a transactional view
	txStore := &txMemoryView{parent: tm.Memory}

	// Execute function
	if err := fn(txStore); err != nil {
		// Rollback
		tm.restore(snapshot)
		return err
	}

	// Commit (already done via direct writes)
	return nil
}

type memorySnapshot struct {
	loans        map[engine.LoanID]engine.Loan
	installments map[engine.LoanID][]engine.Installment
	payments     map[engine.LoanID][]engine.Payment
	proposals    map[engine.ProposalID]engine.Proposal
	idempotency  map[string]bool
}

func (tm *TxMemory) snapshot() memorySnapshot {
	installments := make(map[engine.LoanID][]engine.Installment, len(tm.installments))
	for k, v := range tm.installments {
		installments[k] = slices.Clone(v)
	}
	payments := make(map[engine.LoanID][]engine.Payment, len(tm.payments))
	for k, v := range tm.payments {
		payments[k] = slices.Clone(v)
	}
	return memorySnapshot{
		loans:        maps.Clone(tm.loans),
		installments: installments,
		payments:     payments,
		proposals:    maps.Clone(tm.proposals),
		idempotency:  maps.Clone(tm.idempotency),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.loans = s.loans
	tm.installments = s.installments
	tm.payments = s.payments
	tm.proposals = s.proposals
	tm.idempotency = s.idempotency
}

// txMemoryView runs against the parent's maps; the parent lock is already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateLoan(_ context.Context, loan engine.Loan) error {
	return tv.parent.createLoanLocked(loan)
}

func (tv *txMemoryView) GetLoan(_ context.Context, id engine.LoanID) (engine.Loan, error) {
	return tv.parent.getLoanLocked(id)
}

func (tv *txMemoryView) UpdateLoan(_ context.Context, loan engine.Loan) error {
	return tv.parent.updateLoanLocked(loan)
}

func (tv *txMemoryView) ListLoans(_ context.Context, filter engine.LoanFilter) ([]engine.Loan, error) {
	return tv.parent.listLoansLocked(filter), nil
}

func (tv *txMemoryView) AppendInstallments(_ context.Context, installments []engine.Installment) error {
	return tv.parent.appendInstallmentsLocked(installments)
}

func (tv *txMemoryView) ListInstallments(_ context.Context, loanID engine.LoanID) ([]engine.Installment, error) {
	return slices.Clone(tv.parent.installments[loanID]), nil
}

func (tv *txMemoryView) UpdateInstallments(_ context.Context, installments []engine.Installment) error {
	return tv.parent.updateInstallmentsLocked(installments)
}

func (tv *txMemoryView) InstallmentsDue(_ context.Context, from, to time.Time) ([]engine.Installment, error) {
	return tv.parent.installmentsDueLocked(from, to), nil
}

func (tv *txMemoryView) AppendPayment(_ context.Context, payment engine.Payment) error {
	return tv.parent.appendPaymentLocked(payment)
}

func (tv *txMemoryView) ListPayments(_ context.Context, loanID engine.LoanID) ([]engine.Payment, error) {
	return slices.Clone(tv.parent.payments[loanID]), nil
}

func (tv *txMemoryView) PaymentKeyExists(_ context.Context, key string) (bool, error) {
	return tv.parent.idempotency[key], nil
}

func (tv *txMemoryView) CreateProposal(_ context.Context, proposal engine.Proposal) error {
	return tv.parent.createProposalLocked(proposal)
}

func (tv *txMemoryView) GetProposal(_ context.Context, id engine.ProposalID) (engine.Proposal, error) {
	return tv.parent.getProposalLocked(id)
}

func (tv *txMemoryView) UpdateProposal(_ context.Context, proposal engine.Proposal) error {
	return tv.parent.updateProposalLocked(proposal)
}

func (tv *txMemoryView) ListProposals(_ context.Context, filter engine.ProposalFilter) ([]engine.Proposal, error) {
	return tv.parent.listProposalsLocked(filter), nil
}
