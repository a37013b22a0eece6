// Package ratelimit is the token-bucket admission gate in front of the
// upstream game API. State lives in the shared cache store so the server
// and bot processes draw from one budget per credential.
package ratelimit

import (
	"context"
	"log"
	"time"

	"guildwatch/internal/shared"
)

// Decision is the limiter's answer. When not allowed, RetryAfter is the
// minimum back-off before the caller may try again; the limiter itself
// never queues or sleeps.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter struct {
	store        *shared.Store
	capacity     float64
	refillPerSec float64
	now          func() time.Time
}

func New(store *shared.Store, capacity, refillPerSec float64) *Limiter {
	return &Limiter{
		store:        store,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		now:          time.Now,
	}
}

// Admit performs one atomic check-and-decrement against the shared budget
// for the credential. ctx is accepted for interface symmetry with the rest
// of the call path; the underlying statement is a single local DB write.
func (l *Limiter) Admit(ctx context.Context, credentialID string, cost float64) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := l.now()
	if err := l.store.EnsureBudget(credentialID, l.capacity, l.refillPerSec, now); err != nil {
		return Decision{}, err
	}
	ok, retryAfter, err := l.store.TakeTokens(credentialID, cost, now)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		log.Printf("ratelimit denied credential=%s cost=%.1f retry_after=%s", credentialID, cost, retryAfter)
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true}, nil
}

// Penalize corrects the budget after the upstream answered 429: drain the
// bucket and hold refill until the server-given delay has passed.
func (l *Limiter) Penalize(credentialID string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	if err := l.store.PenalizeBudget(credentialID, retryAfter, l.now()); err != nil {
		log.Printf("ratelimit penalize error credential=%s: %v", credentialID, err)
	}
}

// Budget exposes the current bucket snapshot for diagnostics.
func (l *Limiter) Budget(credentialID string) (shared.Budget, bool, error) {
	return l.store.GetBudget(credentialID)
}
