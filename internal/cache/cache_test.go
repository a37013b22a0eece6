package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"guildwatch/internal/domain"
	"guildwatch/internal/shared"
)

func newTestCache(t *testing.T) (*Cache, *shared.Store) {
	t.Helper()
	st, err := shared.Open(filepath.Join(t.TempDir(), "cache-test.db"))
	if err != nil {
		t.Fatalf("shared.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func countingRefresh(calls *int32, payload []byte) RefreshFn {
	return func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(calls, 1)
		return payload, nil
	}
}

func TestMissRefreshesSynchronously(t *testing.T) {
	c, st := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}
	var calls int32

	payload, freshness, err := c.GetOrRefresh(context.Background(), "fp", pol, countingRefresh(&calls, []byte("v1")))
	if err != nil {
		t.Fatalf("GetOrRefresh failed: %v", err)
	}
	if freshness != domain.Refreshed {
		t.Fatalf("expected refreshed on miss, got %s", freshness)
	}
	if string(payload) != "v1" {
		t.Fatalf("unexpected payload %q", payload)
	}
	if calls != 1 {
		t.Fatalf("expected 1 refresh call, got %d", calls)
	}

	e, ok, err := st.GetEntry("fp")
	if err != nil || !ok {
		t.Fatalf("entry not stored: ok=%t err=%v", ok, err)
	}
	if string(e.Payload) != "v1" {
		t.Fatalf("stored payload mismatch: %q", e.Payload)
	}
}

func TestFreshHitSkipsRefresh(t *testing.T) {
	c, _ := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}
	var calls int32
	refresh := countingRefresh(&calls, []byte("v1"))

	if _, _, err := c.GetOrRefresh(context.Background(), "fp", pol, refresh); err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}

	payload, freshness, err := c.GetOrRefresh(context.Background(), "fp", pol, refresh)
	if err != nil {
		t.Fatalf("GetOrRefresh failed: %v", err)
	}
	if freshness != domain.Fresh {
		t.Fatalf("expected fresh hit, got %s", freshness)
	}
	if string(payload) != "v1" {
		t.Fatalf("unexpected payload %q", payload)
	}
	if calls != 1 {
		t.Fatalf("fresh hit must not refresh, calls=%d", calls)
	}
}

func TestStaleServedFiresOneBackgroundRefresh(t *testing.T) {
	c, st := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}
	var calls int32
	refresh := countingRefresh(&calls, []byte("v2"))

	start := time.Now()
	if err := st.PutEntry("fp", []byte("v1"), pol.TTL, start.Add(-10*time.Minute)); err != nil {
		t.Fatalf("seed entry failed: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, freshness, err := c.GetOrRefresh(context.Background(), "fp", pol, refresh)
			if err != nil {
				t.Errorf("GetOrRefresh failed: %v", err)
				return
			}
			if freshness != domain.StaleServed {
				t.Errorf("expected stale-served, got %s", freshness)
			}
			if string(payload) != "v1" {
				t.Errorf("stale read must return the old payload, got %q", payload)
			}
		}()
	}
	wg.Wait()
	c.detached.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one background refresh, got %d", got)
	}
	e, ok, err := st.GetEntry("fp")
	if err != nil || !ok {
		t.Fatalf("entry missing after background refresh: ok=%t err=%v", ok, err)
	}
	if string(e.Payload) != "v2" {
		t.Fatalf("background refresh did not publish, payload=%q", e.Payload)
	}
}

func TestStaleServedSurvivesBackgroundFailure(t *testing.T) {
	c, st := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}

	if err := st.PutEntry("fp", []byte("v1"), pol.TTL, time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatalf("seed entry failed: %v", err)
	}

	refresh := func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	}
	payload, freshness, err := c.GetOrRefresh(context.Background(), "fp", pol, refresh)
	if err != nil {
		t.Fatalf("stale read must not fail when the refresh does: %v", err)
	}
	if freshness != domain.StaleServed || string(payload) != "v1" {
		t.Fatalf("expected stale v1, got %s %q", freshness, payload)
	}
	c.detached.Wait()

	// The failed refresh released the slot; the old payload is intact.
	e, ok, err := st.GetEntry("fp")
	if err != nil || !ok {
		t.Fatalf("entry missing after failed refresh: ok=%t err=%v", ok, err)
	}
	if string(e.Payload) != "v1" {
		t.Fatalf("failed refresh must leave prior payload, got %q", e.Payload)
	}
	if e.Refreshing {
		t.Fatal("failed refresh must release the claim")
	}
}

func TestPastCeilingRefreshesSynchronously(t *testing.T) {
	c, st := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: 10 * time.Minute}
	var calls int32

	if err := st.PutEntry("fp", []byte("v1"), pol.TTL, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed entry failed: %v", err)
	}

	payload, freshness, err := c.GetOrRefresh(context.Background(), "fp", pol, countingRefresh(&calls, []byte("v2")))
	if err != nil {
		t.Fatalf("GetOrRefresh failed: %v", err)
	}
	if freshness != domain.Refreshed {
		t.Fatalf("entry past the ceiling must refresh on-path, got %s", freshness)
	}
	if string(payload) != "v2" {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestMissSingleFlight(t *testing.T) {
	c, _ := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}

	var calls int32
	refresh := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		return []byte("v1"), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, _, err := c.GetOrRefresh(context.Background(), "fp", pol, refresh)
			if err != nil {
				t.Errorf("GetOrRefresh failed: %v", err)
				return
			}
			if string(payload) != "v1" {
				t.Errorf("unexpected payload %q", payload)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("concurrent misses must collapse to one refresh, got %d", got)
	}
}

func TestLoserWaitsForCrossProcessWinner(t *testing.T) {
	// Two Cache instances over one store model the two processes. The
	// first claims the refresh slot; a caller on the second must wait for
	// the published result instead of fetching again.
	st, err := shared.Open(filepath.Join(t.TempDir(), "cache-xproc.db"))
	if err != nil {
		t.Fatalf("shared.Open failed: %v", err)
	}
	defer st.Close()

	a, b := New(st), New(st)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}

	release := make(chan struct{})
	var aCalls, bCalls int32
	slowRefresh := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&aCalls, 1)
		<-release
		return []byte("winner"), nil
	}
	neverRefresh := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&bCalls, 1)
		return nil, errors.New("should not be called")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, _, err := a.GetOrRefresh(context.Background(), "fp", pol, slowRefresh); err != nil {
			t.Errorf("winner GetOrRefresh failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		// Give the winner time to claim the slot.
		time.Sleep(100 * time.Millisecond)
		payload, freshness, err := b.GetOrRefresh(context.Background(), "fp", pol, neverRefresh)
		if err != nil {
			t.Errorf("loser GetOrRefresh failed: %v", err)
			return
		}
		if freshness != domain.Refreshed || string(payload) != "winner" {
			t.Errorf("loser must receive the winner's payload, got %s %q", freshness, payload)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&aCalls) != 1 {
		t.Fatalf("winner refresh calls = %d", aCalls)
	}
	if atomic.LoadInt32(&bCalls) != 0 {
		t.Fatalf("loser must not refresh, calls = %d", bCalls)
	}
}

func TestLoserTakesOverWhenWinnerReleasesWithoutResult(t *testing.T) {
	// The other process claims the slot, then its refresh fails and it
	// releases without publishing. The waiter must claim the freed slot
	// and fetch itself instead of sleeping out the whole lease.
	c, st := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}

	won, err := st.TryBeginRefresh("fp", time.Now(), refreshLease)
	if err != nil || !won {
		t.Fatalf("foreign claim failed: won=%t err=%v", won, err)
	}

	var calls int32
	done := make(chan struct{})
	var payload []byte
	var freshness domain.Freshness
	var getErr error
	go func() {
		defer close(done)
		payload, freshness, getErr = c.GetOrRefresh(context.Background(), "fp", pol, countingRefresh(&calls, []byte("takeover")))
	}()

	// Let the waiter start polling, then release the slot the way a
	// failed refresh does.
	time.Sleep(150 * time.Millisecond)
	if err := st.EndRefresh("fp"); err != nil {
		t.Fatalf("EndRefresh failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not take over the released slot")
	}
	if getErr != nil {
		t.Fatalf("GetOrRefresh failed: %v", getErr)
	}
	if freshness != domain.Refreshed || string(payload) != "takeover" {
		t.Fatalf("expected the waiter's own refresh, got %s %q", freshness, payload)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one takeover refresh, got %d", calls)
	}
}

func TestFailedSyncRefreshReleasesSlot(t *testing.T) {
	c, _ := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}

	boom := errors.New("upstream down")
	if _, _, err := c.GetOrRefresh(context.Background(), "fp", pol, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected refresh error, got %v", err)
	}

	// The slot is released, so a retry can win and succeed.
	payload, freshness, err := c.GetOrRefresh(context.Background(), "fp", pol, func(ctx context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if freshness != domain.Refreshed || string(payload) != "recovered" {
		t.Fatalf("unexpected retry result %s %q", freshness, payload)
	}
}

func TestDistinctFingerprintsDoNotCollide(t *testing.T) {
	c, _ := newTestCache(t)
	pol := Policy{TTL: time.Minute, StaleCeiling: time.Hour}

	for i := 0; i < 3; i++ {
		fp := domain.Fingerprint("guild-roster", fmt.Sprintf("us/realm/guild-%d", i))
		want := fmt.Sprintf("payload-%d", i)
		payload, _, err := c.GetOrRefresh(context.Background(), fp, pol, func(ctx context.Context) ([]byte, error) {
			return []byte(want), nil
		})
		if err != nil {
			t.Fatalf("GetOrRefresh %d failed: %v", i, err)
		}
		if string(payload) != want {
			t.Fatalf("fingerprint collision: got %q want %q", payload, want)
		}
	}
}
