package delta

import (
	"io"
	"sync/atomic"

	"github.com/prn-tf/deltavault/internal/archiverr"
)

// RaceBudget is the shared "best size so far" bound visible to every
// delta trial racing against the same push. Zero means unbounded. The
// counter only ever rises (monotonic-update semantics): the first trial
// to finish sets the bound for everyone else, and a later, smaller
// finish leaves it unchanged.
type RaceBudget struct {
	best int64
}

// NewRaceBudget returns an unbounded race budget.
func NewRaceBudget() *RaceBudget {
	return &RaceBudget{}
}

// Raise atomically sets best to max(best, candidate).
func (rb *RaceBudget) Raise(candidate int64) {
	for {
		cur := atomic.LoadInt64(&rb.best)
		if candidate <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&rb.best, cur, candidate) {
			return
		}
	}
}

// Best returns the current bound (0 means unbounded).
func (rb *RaceBudget) Best() int64 {
	return atomic.LoadInt64(&rb.best)
}

// BudgetWriter wraps a trial's destination writer so that a write
// which would push the trial's running total past the shared budget is
// rejected with archiverr.ErrRacedOut instead of being performed. On a
// clean finish the trial raises the shared budget to its own final
// size, which is how a fast-finishing trial cancels its slower peers.
type BudgetWriter struct {
	w       io.Writer
	budget  *RaceBudget
	written int64
}

// NewBudgetWriter wraps w, racing against budget.
func NewBudgetWriter(w io.Writer, budget *RaceBudget) *BudgetWriter {
	return &BudgetWriter{w: w, budget: budget}
}

func (b *BudgetWriter) Write(p []byte) (int, error) {
	current := b.budget.Best()
	if current > 0 && b.written+int64(len(p)) > current {
		return 0, archiverr.ErrRacedOut
	}
	n, err := b.w.Write(p)
	b.written += int64(n)
	return n, err
}

// Finish raises the shared budget to this trial's final size. Call
// once the trial completes successfully; callers that raced out or
// failed must not call Finish, since their output is incomplete.
func (b *BudgetWriter) Finish() {
	b.budget.Raise(b.written)
}

// Written reports the number of bytes this writer has accepted so far.
func (b *BudgetWriter) Written() int64 {
	return b.written
}
