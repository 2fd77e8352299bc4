package distribute

import (
	"sync"
	"time"
)

// Reasons a trigger is skipped before any write.
const (
	SkipNotLoaded   = "not_loaded"
	SkipPaused      = "paused"
	SkipPhase       = "phase"
	SkipStale       = "stale"
	SkipInFlight    = "in_flight"
	SkipRateLimited = "rate_limited"
)

// AttemptState is a copy of a TriggerAttempt.
type AttemptState struct {
	LastAttemptAt time.Time
	InFlight      bool
	Round         uint64
}

// TriggerAttempt is the process-local record of settlement attempts. It is
// owned by exactly one Coordinator.
type TriggerAttempt struct {
	mu            sync.Mutex
	lastAttemptAt time.Time
	prevAttemptAt time.Time
	inFlight      bool
	round         uint64
}

func NewTriggerAttempt() *TriggerAttempt {
	return &TriggerAttempt{}
}

func (a *TriggerAttempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AttemptState{LastAttemptAt: a.lastAttemptAt, InFlight: a.inFlight, Round: a.round}
}

// begin records an attempt for round at now unless one is in flight or the
// previous attempt started less than minInterval ago.
func (a *TriggerAttempt) begin(now time.Time, round uint64, minInterval time.Duration) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inFlight {
		return false, SkipInFlight
	}
	if !a.lastAttemptAt.IsZero() && now.Sub(a.lastAttemptAt) < minInterval {
		return false, SkipRateLimited
	}
	a.prevAttemptAt = a.lastAttemptAt
	a.lastAttemptAt = now
	a.inFlight = true
	a.round = round
	return true, ""
}

func (a *TriggerAttempt) release() {
	a.mu.Lock()
	a.inFlight = false
	a.mu.Unlock()
}

// rollback undoes a begin that did not lead to a submission.
func (a *TriggerAttempt) rollback() {
	a.mu.Lock()
	a.lastAttemptAt = a.prevAttemptAt
	a.inFlight = false
	a.mu.Unlock()
}
