// Package budget implements the token/cost circuit breaker that guards a
// session's Executor loop.
package budget

import (
	"strconv"
	"sync"
	"sync/atomic"

	"reach/agentcore/internal/errors"
)

// DefaultWarnThreshold is the fraction of max tokens that triggers a
// one-time budget_warning event.
const DefaultWarnThreshold = 0.8

// Budget is a monotonically increasing token counter guarded by max. Reads
// are lock-free; writes (Consume) are serialized through mu so the
// check-and-increment is atomic even though the common case is a single
// writer (the Executor).
type Budget struct {
	max   int64
	used  atomic.Int64
	warn  float64
	warned atomic.Bool

	mu sync.Mutex
}

// New constructs a Budget with the given max token count and warn
// threshold. A non-positive warnThreshold falls back to the default.
func New(max int, warnThreshold float64) *Budget {
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = DefaultWarnThreshold
	}
	b := &Budget{max: int64(max), warn: warnThreshold}
	return b
}

// Max returns the configured ceiling.
func (b *Budget) Max() int { return int(b.max) }

// Used returns the current usage. Safe for concurrent reads.
func (b *Budget) Used() int { return int(b.used.Load()) }

// Remaining is a pure read: max - used.
func (b *Budget) Remaining() int { return int(b.max - b.used.Load()) }

// WarnCrossed reports whether the warn threshold has already fired.
func (b *Budget) WarnCrossed() bool { return b.warned.Load() }

// Consume attempts to charge tokens against the budget. If used+tokens
// would exceed max, it fails with CodeBudgetExceeded and leaves used
// unchanged. On success it returns true if this call is the first to cross
// warn_threshold, so the caller can emit budget_warning exactly once.
func (b *Budget) Consume(tokens int) (crossedWarn bool, err error) {
	if tokens < 0 {
		return false, errors.New(errors.CodeInvalidArgument, "tokens must be >= 0")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.used.Load()
	next := current + int64(tokens)
	if next > b.max {
		return false, errors.New(errors.CodeBudgetExceeded, "token budget exceeded").
			WithContext("max", strconv.FormatInt(b.max, 10)).
			WithContext("used", strconv.FormatInt(current, 10)).
			WithContext("requested", strconv.Itoa(tokens))
	}

	b.used.Store(next)

	if b.max > 0 && float64(next)/float64(b.max) >= b.warn {
		if b.warned.CompareAndSwap(false, true) {
			crossedWarn = true
		}
	}

	return crossedWarn, nil
}
