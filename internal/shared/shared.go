// Package shared is the cache store both processes coordinate through:
// cache entries with a refresh-in-progress flag, and token-bucket rate
// budgets. Everything here is derived, reconstructable state; dropping the
// file costs a refetch, never correctness.
//
// Cross-process atomicity comes from SQLite itself: every mutation that
// two processes can race on is a single UPDATE (or upsert) whose WHERE
// clause carries the compare half of the compare-and-set.
package shared

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the shared cache database. WAL mode and
// a busy timeout let the server and bot processes mutate it concurrently.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint        TEXT PRIMARY KEY,
		payload            BLOB NOT NULL,
		refreshed_at       INTEGER NOT NULL DEFAULT 0,
		ttl_seconds        INTEGER NOT NULL DEFAULT 0,
		refreshing         INTEGER NOT NULL DEFAULT 0,
		refresh_started_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS rate_budgets (
		credential_id TEXT PRIMARY KEY,
		tokens        REAL NOT NULL,
		capacity      REAL NOT NULL,
		refill_rate   REAL NOT NULL,
		last_refill   INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Entry is one cached payload plus its freshness bookkeeping.
type Entry struct {
	Fingerprint string
	Payload     []byte
	RefreshedAt time.Time
	TTL         time.Duration
	Refreshing  bool
}

// Age is the entry's age at the given instant.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.RefreshedAt)
}

// GetEntry loads a cache entry. ok is false when the row is missing or is
// a refresh placeholder that has never held a payload.
func (s *Store) GetEntry(fp string) (Entry, bool, error) {
	var e Entry
	var refreshedAt int64
	var ttlSeconds int64
	var refreshing int
	err := s.db.QueryRow(
		`SELECT fingerprint, payload, refreshed_at, ttl_seconds, refreshing
		 FROM cache_entries WHERE fingerprint = ?`, fp,
	).Scan(&e.Fingerprint, &e.Payload, &refreshedAt, &ttlSeconds, &refreshing)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if refreshedAt == 0 || len(e.Payload) == 0 {
		return Entry{}, false, nil
	}
	e.RefreshedAt = time.UnixMilli(refreshedAt)
	e.TTL = time.Duration(ttlSeconds) * time.Second
	e.Refreshing = refreshing != 0
	return e, true, nil
}

// PutEntry stores a freshly refreshed payload and clears the
// refresh-in-progress flag in the same statement.
func (s *Store) PutEntry(fp string, payload []byte, ttl time.Duration, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO cache_entries (fingerprint, payload, refreshed_at, ttl_seconds, refreshing, refresh_started_at)
		 VALUES (?, ?, ?, ?, 0, 0)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   payload = excluded.payload,
		   refreshed_at = excluded.refreshed_at,
		   ttl_seconds = excluded.ttl_seconds,
		   refreshing = 0,
		   refresh_started_at = 0`,
		fp, payload, now.UnixMilli(), int64(ttl/time.Second),
	)
	return err
}

// TryBeginRefresh attempts to claim the per-fingerprint refresh slot.
// Exactly one caller across all processes wins; everyone else gets false.
// A claim older than lease is treated as abandoned (crashed refresher) and
// may be stolen.
func (s *Store) TryBeginRefresh(fp string, now time.Time, lease time.Duration) (bool, error) {
	cutoff := now.Add(-lease).UnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO cache_entries (fingerprint, payload, refreshed_at, ttl_seconds, refreshing, refresh_started_at)
		 VALUES (?, ?, 0, 0, 1, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   refreshing = 1,
		   refresh_started_at = excluded.refresh_started_at
		 WHERE cache_entries.refreshing = 0 OR cache_entries.refresh_started_at <= ?`,
		fp, []byte{}, now.UnixMilli(), cutoff,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EndRefresh releases the refresh slot without publishing a payload,
// used when a refresh fails so a future caller may retry.
func (s *Store) EndRefresh(fp string) error {
	_, err := s.db.Exec(
		`UPDATE cache_entries SET refreshing = 0, refresh_started_at = 0 WHERE fingerprint = ?`, fp)
	return err
}

// EnsureBudget creates the token bucket for a credential if absent,
// starting full. Capacity and refill rate follow configuration on every
// call so a config change propagates without resetting the token count.
func (s *Store) EnsureBudget(credentialID string, capacity, refillPerSec float64, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO rate_budgets (credential_id, tokens, capacity, refill_rate, last_refill)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id) DO UPDATE SET
		   capacity = excluded.capacity,
		   refill_rate = excluded.refill_rate`,
		credentialID, capacity, capacity, refillPerSec, now.UnixMilli(),
	)
	return err
}

// TakeTokens refills the bucket by elapsed wall-clock time and decrements
// it by cost, all in one UPDATE whose WHERE clause rejects the take when
// the refilled balance is short. The guard is what keeps the token count
// non-negative under any interleaving.
func (s *Store) TakeTokens(credentialID string, cost float64, now time.Time) (bool, time.Duration, error) {
	nowMs := now.UnixMilli()
	res, err := s.db.Exec(
		`UPDATE rate_budgets
		 SET tokens = MIN(capacity, tokens + MAX(0, ? - last_refill) * refill_rate / 1000.0) - ?,
		     last_refill = ?
		 WHERE credential_id = ?
		   AND MIN(capacity, tokens + MAX(0, ? - last_refill) * refill_rate / 1000.0) >= ?`,
		nowMs, cost, nowMs, credentialID, nowMs, cost,
	)
	if err != nil {
		return false, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		return true, 0, nil
	}

	b, ok, err := s.GetBudget(credentialID)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, fmt.Errorf("no rate budget for credential %q", credentialID)
	}
	return false, b.retryAfter(cost, now), nil
}

// PenalizeBudget applies an upstream 429 correction: the bucket is drained
// and refill is deferred until the server-given delay has elapsed. Applied
// only if it pushes last_refill forward, so concurrent penalties keep the
// latest deadline.
func (s *Store) PenalizeBudget(credentialID string, retryAfter time.Duration, now time.Time) error {
	until := now.Add(retryAfter).UnixMilli()
	_, err := s.db.Exec(
		`UPDATE rate_budgets SET tokens = 0, last_refill = ?
		 WHERE credential_id = ? AND last_refill < ?`,
		until, credentialID, until,
	)
	return err
}

// Budget is a read-only snapshot of one credential's token bucket.
type Budget struct {
	CredentialID string
	Tokens       float64
	Capacity     float64
	RefillPerSec float64
	LastRefill   time.Time
}

// Available is the balance the bucket would hold at the given instant.
func (b Budget) Available(now time.Time) float64 {
	elapsed := now.Sub(b.LastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	avail := b.Tokens + elapsed.Seconds()*b.RefillPerSec
	if avail > b.Capacity {
		avail = b.Capacity
	}
	return avail
}

func (b Budget) retryAfter(cost float64, now time.Time) time.Duration {
	wait := time.Duration(0)
	if b.LastRefill.After(now) {
		wait = b.LastRefill.Sub(now)
	}
	short := cost - b.Available(now)
	if short > 0 && b.RefillPerSec > 0 {
		wait += time.Duration(short / b.RefillPerSec * float64(time.Second))
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (s *Store) GetBudget(credentialID string) (Budget, bool, error) {
	var b Budget
	var lastRefill int64
	err := s.db.QueryRow(
		`SELECT credential_id, tokens, capacity, refill_rate, last_refill
		 FROM rate_budgets WHERE credential_id = ?`, credentialID,
	).Scan(&b.CredentialID, &b.Tokens, &b.Capacity, &b.RefillPerSec, &lastRefill)
	if err == sql.ErrNoRows {
		return Budget{}, false, nil
	}
	if err != nil {
		return Budget{}, false, err
	}
	b.LastRefill = time.UnixMilli(lastRefill)
	return b, true, nil
}

// Stats summarizes the cache side of the store, for the diagnostics tool.
type Stats struct {
	Entries    int
	Refreshing int
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(refreshing), 0) FROM cache_entries WHERE refreshed_at > 0`,
	).Scan(&st.Entries, &st.Refreshing)
	return st, err
}
