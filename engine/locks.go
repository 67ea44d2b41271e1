package engine

import "sync"

// =============================================================================
// PER-LOAN SERIALIZATION
// =============================================================================

// loanLocks hands out one mutex per loan. Operations on different loans never
// contend; entries are dropped when the last holder releases.
type loanLocks struct {
	mu    sync.Mutex
	locks map[LoanID]*loanLock
}

type loanLock struct {
	mu   sync.Mutex
	refs int
}

func newLoanLocks() *loanLocks {
	return &loanLocks{locks: make(map[LoanID]*loanLock)}
}

// lock blocks until the caller owns the loan and returns the release func.
func (l *loanLocks) lock(id LoanID) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &loanLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// held reports how many loans currently have a holder or waiter.
func (l *loanLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
