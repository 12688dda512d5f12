// Package ratelimit holds the pure pacing and backoff decision logic shared
// by all task executors: inter-action delay sampling, flood-wait handling,
// and error budgets.
package ratelimit

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Decision is the outcome of a flood or error signal.
type Decision int

const (
	// DecisionCooldownAccount puts the account in cooldown for the signalled
	// duration; the action is retried after the cooldown elapses.
	DecisionCooldownAccount Decision = iota

	// DecisionQuarantineAccount removes the account from rotation pending
	// manual review.
	DecisionQuarantineAccount

	// DecisionAbortAccountForTask releases the account with an error outcome;
	// the task continues on its remaining accounts.
	DecisionAbortAccountForTask
)

func (d Decision) String() string {
	switch d {
	case DecisionCooldownAccount:
		return "cooldown"
	case DecisionQuarantineAccount:
		return "quarantine"
	case DecisionAbortAccountForTask:
		return "abort"
	}
	return "unknown"
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NextDelay samples the delay between successive actions by the same account,
// uniformly in [min, max]. A max below min is clamped to min.
func NextDelay(min, max time.Duration) time.Duration {
	if max < min {
		max = min
	}
	if max == min {
		return min
	}
	rngMu.Lock()
	defer rngMu.Unlock()
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}

// OnFloodSignal decides how to react to a platform flood-wait of the given
// duration. Waits above the limit quarantine the account; shorter waits cool
// it down and the action is retried, charged to the task's error budget.
func OnFloodSignal(wait, limit time.Duration) Decision {
	if limit > 0 && wait > limit {
		return DecisionQuarantineAccount
	}
	return DecisionCooldownAccount
}

// Budget is a concurrency-safe error budget. The zero value is unusable; use
// NewBudget. A max of zero or below disables the budget.
type Budget struct {
	max  int64
	used atomic.Int64
}

func NewBudget(max int) *Budget {
	return &Budget{max: int64(max)}
}

// Spend records one error and reports whether the budget is now exhausted.
func (b *Budget) Spend() bool {
	used := b.used.Add(1)
	return b.max > 0 && used >= b.max
}

// Exhausted reports whether the budget has been spent.
func (b *Budget) Exhausted() bool {
	return b.max > 0 && b.used.Load() >= b.max
}

// Used returns the number of errors recorded so far.
func (b *Budget) Used() int { return int(b.used.Load()) }
