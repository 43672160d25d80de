package remediation

import "sync/atomic"

// Budget is the run-level change counter shared by every remediation
// worker. Acquisition is a single atomic increment-and-check; the counter is
// monotonic, so a run can never apply more than its configured maximum even
// under concurrent acquisition.
type Budget struct {
	max  int64
	used atomic.Int64
}

func NewBudget(max int) *Budget {
	return &Budget{max: int64(max)}
}

// TryAcquire claims one change slot. Once the budget is exhausted it keeps
// returning false for the rest of the run.
func (b *Budget) TryAcquire() bool {
	return b.used.Add(1) <= b.max
}

// Used reports how many slots were actually claimed.
func (b *Budget) Used() int64 {
	used := b.used.Load()
	if used > b.max {
		return b.max
	}
	return used
}

func (b *Budget) Max() int64 { return b.max }
