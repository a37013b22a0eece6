package classify

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a failure-counting gate in front of the classification
// provider. After threshold consecutive batch failures it opens and fails
// fast; after cooldown it half-opens and admits exactly one trial batch,
// closing again on success.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state       breakerState
	consecutive int
	openedAt    time.Time
	trialAt     time.Time

	now func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a provider call may proceed. While open it returns
// false until the cooldown elapses, then admits a single half-open trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.trialAt = b.now()
			return true
		}
		return false
	default:
		// Half-open with a trial in flight. A trial that never reports a
		// verdict (its caller was cancelled mid-batch) must not wedge the
		// gate, so after another cooldown the next caller gets the trial.
		if b.now().Sub(b.trialAt) >= b.cooldown {
			b.trialAt = b.now()
			return true
		}
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.state = stateClosed
	b.consecutive = 0
	b.mu.Unlock()
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.state == stateHalfOpen || b.consecutive >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// State names the current gate position for diagnostics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
