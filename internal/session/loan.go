package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

type loanKey struct {
	role  hal.Role
	index int
}

// LoanStats is a snapshot of LoanTracker counters.
type LoanStats struct {
	Lent        uint64
	Returned    uint64
	Violations  uint64
	Outstanding int
	Peak        int
}

// LoanTracker records which slots are currently on loan to the encoder and
// counts exclusivity violations: lending a slot that is already out, or
// returning one that is not.
type LoanTracker struct {
	mu   sync.Mutex
	out  map[loanKey]time.Time
	peak int

	lent       uint64
	returned   uint64
	violations uint64
}

// NewLoanTracker creates an empty tracker.
func NewLoanTracker() *LoanTracker {
	return &LoanTracker{out: make(map[loanKey]time.Time)}
}

// Lend marks slot index of role as on loan.
func (t *LoanTracker) Lend(role hal.Role, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := loanKey{role, index}
	if since, dup := t.out[k]; dup {
		atomic.AddUint64(&t.violations, 1)
		slog.Error("session: slot lent twice",
			"role", role.String(),
			"slot", index,
			"on_loan_for", time.Since(since),
		)
		return fmt.Errorf("session: %s slot %d already on loan: %w", role, index, hal.ErrInvalidRequest)
	}
	t.out[k] = time.Now()
	if len(t.out) > t.peak {
		t.peak = len(t.out)
	}
	atomic.AddUint64(&t.lent, 1)
	return nil
}

// Return marks slot index of role as back from loan.
func (t *LoanTracker) Return(role hal.Role, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := loanKey{role, index}
	if _, ok := t.out[k]; !ok {
		atomic.AddUint64(&t.violations, 1)
		return fmt.Errorf("session: %s slot %d not on loan: %w", role, index, hal.ErrInvalidRequest)
	}
	delete(t.out, k)
	atomic.AddUint64(&t.returned, 1)
	return nil
}

// OnLoan reports whether slot index of role is currently lent.
func (t *LoanTracker) OnLoan(role hal.Role, index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.out[loanKey{role, index}]
	return ok
}

// Clear forgets every outstanding loan without counting returns.
func (t *LoanTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = make(map[loanKey]time.Time)
}

// Stats returns a snapshot of the counters.
func (t *LoanTracker) Stats() LoanStats {
	t.mu.Lock()
	outstanding, peak := len(t.out), t.peak
	t.mu.Unlock()

	return LoanStats{
		Lent:        atomic.LoadUint64(&t.lent),
		Returned:    atomic.LoadUint64(&t.returned),
		Violations:  atomic.LoadUint64(&t.violations),
		Outstanding: outstanding,
		Peak:        peak,
	}
}
