// Package cache is the read-through layer between the coordinator and the
// upstream fetcher. Reads are served Fresh inside the TTL, Stale-Served up
// to the staleness ceiling (with exactly one background refresh fired),
// and refreshed synchronously beyond it.
//
// Single-flight is enforced twice: an in-process singleflight group
// collapses concurrent callers inside one process, and the shared store's
// refresh-in-progress compare-and-set collapses them across processes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"guildwatch/internal/domain"
	"guildwatch/internal/shared"
)

const (
	// refreshLease bounds how long a claimed refresh slot is honored; a
	// claim older than this belongs to a crashed process and may be stolen.
	refreshLease = 2 * time.Minute
	// detachedRefreshTimeout bounds a background refresh, which runs on
	// its own context and is never cancelled by the caller that fired it.
	detachedRefreshTimeout = 60 * time.Second
	// waitPoll is how often a single-flight loser re-reads the entry while
	// awaiting the winner's result.
	waitPoll = 50 * time.Millisecond
)

// Policy is the freshness contract for one fingerprint class.
type Policy struct {
	TTL          time.Duration
	StaleCeiling time.Duration
}

// RefreshFn produces a fresh payload for a fingerprint. It is invoked at
// most once per fingerprint cluster-wide at any time.
type RefreshFn func(ctx context.Context) ([]byte, error)

type Cache struct {
	store *shared.Store
	group singleflight.Group
	now   func() time.Time

	// detached tracks fired-and-forgotten background refreshes so tests
	// can drain them.
	detached sync.WaitGroup
}

func New(store *shared.Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// GetOrRefresh resolves a fingerprint to the best available payload.
//
// Fresh entries return immediately. Entries past the TTL but under the
// staleness ceiling are served as-is while one background refresh is
// scheduled. Missing entries, and entries past the ceiling, are refreshed
// on the calling path since there is nothing useful to serve.
func (c *Cache) GetOrRefresh(ctx context.Context, fp string, pol Policy, refresh RefreshFn) ([]byte, domain.Freshness, error) {
	now := c.now()
	entry, ok, err := c.store.GetEntry(fp)
	if err != nil {
		return nil, "", err
	}

	if ok {
		age := entry.Age(now)
		if age < pol.TTL {
			return entry.Payload, domain.Fresh, nil
		}
		if age < pol.StaleCeiling {
			won, err := c.store.TryBeginRefresh(fp, now, refreshLease)
			if err != nil {
				// The stale payload is still serveable; the refresh
				// attempt just failed to get off the ground.
				log.Printf("cache refresh claim error fp=%s: %v", fp, err)
			} else if won {
				c.fireBackgroundRefresh(fp, pol, refresh)
			}
			return entry.Payload, domain.StaleServed, nil
		}
	}

	// prior marks the payload generation we are trying to move past; the
	// loser-wait below succeeds once a newer generation is published.
	var prior time.Time
	if ok {
		prior = entry.RefreshedAt
	}

	type result struct {
		payload   []byte
		freshness domain.Freshness
	}
	v, err, _ := c.group.Do(fp, func() (any, error) {
		payload, freshness, err := c.refreshSync(ctx, fp, pol, refresh, prior)
		if err != nil {
			return nil, err
		}
		return result{payload, freshness}, nil
	})
	if err != nil {
		return nil, "", err
	}
	r := v.(result)
	return r.payload, r.freshness, nil
}

// errRefreshAbandoned signals that the claim holder released the slot
// without publishing and the waiter now holds the claim itself.
var errRefreshAbandoned = errors.New("refresh claim released without a result")

// refreshSync is the miss / past-ceiling path: claim the cluster-wide
// refresh slot and fetch, or wait for whichever process already holds it.
func (c *Cache) refreshSync(ctx context.Context, fp string, pol Policy, refresh RefreshFn, prior time.Time) ([]byte, domain.Freshness, error) {
	now := c.now()
	won, err := c.store.TryBeginRefresh(fp, now, refreshLease)
	if err != nil {
		return nil, "", err
	}
	if !won {
		payload, freshness, err := c.awaitRefresh(ctx, fp, prior, now)
		if !errors.Is(err, errRefreshAbandoned) {
			return payload, freshness, err
		}
		// We hold the slot now. The original winner may have published
		// in the instant before we claimed; serve that instead of
		// refetching.
		if entry, ok, getErr := c.store.GetEntry(fp); getErr == nil && ok && entry.RefreshedAt.After(prior) {
			if clearErr := c.store.EndRefresh(fp); clearErr != nil {
				log.Printf("cache clear refresh flag error fp=%s: %v", fp, clearErr)
			}
			return entry.Payload, domain.Refreshed, nil
		}
	}

	payload, err := refresh(ctx)
	if err != nil {
		// Leave any prior payload intact and release the slot so a
		// future caller may retry.
		if clearErr := c.store.EndRefresh(fp); clearErr != nil {
			log.Printf("cache clear refresh flag error fp=%s: %v", fp, clearErr)
		}
		return nil, "", err
	}
	if err := c.store.PutEntry(fp, payload, pol.TTL, c.now()); err != nil {
		return nil, "", err
	}
	return payload, domain.Refreshed, nil
}

// awaitRefresh polls for the in-flight winner's result. The winner may be
// the other process, so in-process synchronization cannot help here. The
// wait ends when a payload newer than prior is published, when the waiter
// claims a released slot (errRefreshAbandoned), when the claim lease runs
// out, or when the caller's context does.
func (c *Cache) awaitRefresh(ctx context.Context, fp string, prior, since time.Time) ([]byte, domain.Freshness, error) {
	deadline := since.Add(refreshLease)
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()
	for {
		entry, ok, err := c.store.GetEntry(fp)
		if err != nil {
			return nil, "", err
		}
		if ok && entry.RefreshedAt.After(prior) {
			return entry.Payload, domain.Refreshed, nil
		}
		// A failed winner releases the slot without publishing. Claim it
		// and take over instead of waiting out the whole lease.
		won, err := c.store.TryBeginRefresh(fp, c.now(), refreshLease)
		if err != nil {
			return nil, "", err
		}
		if won {
			return nil, "", errRefreshAbandoned
		}
		if c.now().After(deadline) {
			return nil, "", fmt.Errorf("timed out waiting for in-flight refresh of %s", fp)
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// fireBackgroundRefresh spawns the detached stale-revalidate task. The
// caller never awaits it; it completes on its own context so a timed-out
// request cannot cancel work that would serve future callers.
func (c *Cache) fireBackgroundRefresh(fp string, pol Policy, refresh RefreshFn) {
	c.detached.Add(1)
	go func() {
		defer c.detached.Done()
		ctx, cancel := context.WithTimeout(context.Background(), detachedRefreshTimeout)
		defer cancel()

		payload, err := refresh(ctx)
		if err != nil {
			log.Printf("cache background refresh failed fp=%s: %v", fp, err)
			if clearErr := c.store.EndRefresh(fp); clearErr != nil {
				log.Printf("cache clear refresh flag error fp=%s: %v", fp, clearErr)
			}
			return
		}
		if err := c.store.PutEntry(fp, payload, pol.TTL, c.now()); err != nil {
			log.Printf("cache background refresh store error fp=%s: %v", fp, err)
		}
	}()
}

// Stats proxies the shared store's cache statistics.
func (c *Cache) Stats() (shared.Stats, error) {
	return c.store.Stats()
}
