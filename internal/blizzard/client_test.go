package blizzard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"guildwatch/internal/domain"
	"guildwatch/internal/ratelimit"
	"guildwatch/internal/shared"
)

type fakeUpstream struct {
	t          *testing.T
	auth       *httptest.Server
	api        *httptest.Server
	tokenCalls int32
	apiCalls   int32

	handler http.HandlerFunc
}

func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{t: t, handler: handler}

	f.auth = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "test-id" || pass != "test-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	}))
	t.Cleanup(f.auth.Close)

	f.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.apiCalls, 1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.handler(w, r)
	}))
	t.Cleanup(f.api.Close)
	return f
}

func (f *fakeUpstream) newClient(t *testing.T, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ClientID:     "test-id",
		ClientSecret: "test-secret",
		Region:       "us",
		AuthURL:      f.auth.URL,
		APIBase:      f.api.URL,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func guildJSON() map[string]any {
	return map[string]any{
		"id":   42,
		"name": "Echoes of Valor",
		"faction": map[string]any{
			"type": "ALLIANCE",
			"name": "Alliance",
		},
		"achievement_points": 2150,
		"member_count":       47,
	}
}

func rosterMemberJSON(id int, name string, level, rank int) map[string]any {
	return map[string]any{
		"rank": rank,
		"character": map[string]any{
			"id":    id,
			"name":  name,
			"level": level,
			"realm": map[string]any{"slug": "stormrage"},
			"playable_class": map[string]any{
				"id":   1,
				"name": "Warrior",
			},
			"playable_race": map[string]any{"id": 1},
		},
	}
}

func TestGetGuildUsesDynamicNamespace(t *testing.T) {
	var gotNamespace, gotLocale string
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = r.URL.Query().Get("namespace")
		gotLocale = r.URL.Query().Get("locale")
		json.NewEncoder(w).Encode(guildJSON())
	})
	c := f.newClient(t, nil)

	ref := domain.NewGuildRef("us", "Stormrage", "Echoes of Valor")
	g, err := c.GetGuild(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetGuild failed: %v", err)
	}
	if g.Name != "Echoes of Valor" || g.Faction.Name != "Alliance" || g.MemberCount != 47 {
		t.Fatalf("unexpected guild: %+v", g)
	}
	if gotNamespace != "dynamic-us" {
		t.Fatalf("guild data must use the dynamic namespace, got %q", gotNamespace)
	}
	if gotLocale != "en_US" {
		t.Fatalf("expected default locale en_US, got %q", gotLocale)
	}
}

func TestGetCharacterProfileUsesProfileNamespace(t *testing.T) {
	var gotNamespace string
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = r.URL.Query().Get("namespace")
		json.NewEncoder(w).Encode(map[string]any{
			"average_item_level": 612,
			"active_spec":        map[string]any{"name": "Fury"},
		})
	})
	c := f.newClient(t, nil)

	p, err := c.GetCharacterProfile(context.Background(), "Stormrage", "Thralla")
	if err != nil {
		t.Fatalf("GetCharacterProfile failed: %v", err)
	}
	if p.AverageItemLevel != 612 || p.ActiveSpec.Name != "Fury" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if gotNamespace != "profile-us" {
		t.Fatalf("character profile must use the profile namespace, got %q", gotNamespace)
	}
}

func TestTokenIsCachedAcrossRequests(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(guildJSON())
	})
	c := f.newClient(t, nil)
	ref := domain.NewGuildRef("us", "stormrage", "echoes-of-valor")

	for i := 0; i < 3; i++ {
		if _, err := c.GetGuild(context.Background(), ref); err != nil {
			t.Fatalf("GetGuild %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&f.tokenCalls); n != 1 {
		t.Fatalf("expected one token exchange for three requests, got %d", n)
	}
}

func TestGetRosterPaginates(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		members := make([]map[string]any, 0, 20)
		for i := 0; i < 20; i++ {
			id := (page-1)*20 + i + 1
			if id > 47 {
				break
			}
			members = append(members, rosterMemberJSON(id, fmt.Sprintf("Member%d", id), 80, id%10))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"page":      page,
			"pageCount": 3,
			"members":   members,
		})
	})
	c := f.newClient(t, nil)

	members, truncated, err := c.GetRoster(context.Background(), domain.NewGuildRef("us", "stormrage", "echoes-of-valor"))
	if err != nil {
		t.Fatalf("GetRoster failed: %v", err)
	}
	if truncated {
		t.Fatal("3 pages under a cap of 10 must not truncate")
	}
	if len(members) != 47 {
		t.Fatalf("expected 47 members across 3 pages, got %d", len(members))
	}
	if members[0].PayloadHash == "" {
		t.Fatal("members must carry a payload hash")
	}
}

func TestGetRosterTruncatesAtPageCap(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		json.NewEncoder(w).Encode(map[string]any{
			"page":      page,
			"pageCount": 100,
			"members":   []map[string]any{rosterMemberJSON(page, fmt.Sprintf("Member%d", page), 80, 5)},
		})
	})
	c := f.newClient(t, func(cfg *Config) { cfg.MaxPages = 2 })

	members, truncated, err := c.GetRoster(context.Background(), domain.NewGuildRef("us", "stormrage", "big-guild"))
	if err != nil {
		t.Fatalf("GetRoster failed: %v", err)
	}
	if !truncated {
		t.Fatal("hitting the page cap must mark the result truncated")
	}
	if len(members) != 2 {
		t.Fatalf("expected the 2 fetched pages to survive, got %d members", len(members))
	}
}

func TestGetRosterSinglePageWithoutEnvelope(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"members": []map[string]any{rosterMemberJSON(1, "Solo", 80, 0)},
		})
	})
	c := f.newClient(t, nil)

	members, truncated, err := c.GetRoster(context.Background(), domain.NewGuildRef("us", "stormrage", "tiny"))
	if err != nil {
		t.Fatalf("GetRoster failed: %v", err)
	}
	if truncated || len(members) != 1 {
		t.Fatalf("unexpected result: truncated=%t members=%d", truncated, len(members))
	}
}

func Test404IsNotRetried(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":404}`, http.StatusNotFound)
	})
	c := f.newClient(t, nil)

	_, err := c.GetGuild(context.Background(), domain.NewGuildRef("us", "stormrage", "no-such-guild"))
	if domain.UpstreamKind(err) != domain.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if n := atomic.LoadInt32(&f.apiCalls); n != 1 {
		t.Fatalf("404 must not be retried, got %d calls", n)
	}
}

func Test429PenalizesSharedBudget(t *testing.T) {
	st, err := shared.Open(filepath.Join(t.TempDir(), "blizzard-test.db"))
	if err != nil {
		t.Fatalf("shared.Open failed: %v", err)
	}
	defer st.Close()
	limiter := ratelimit.New(st, 100, 10)

	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := f.newClient(t, func(cfg *Config) { cfg.Limiter = limiter })

	_, err = c.GetGuild(context.Background(), domain.NewGuildRef("us", "stormrage", "echoes-of-valor"))
	if domain.UpstreamKind(err) != domain.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}

	// The upstream 429 drained the shared bucket and deferred refill by
	// the server-given delay.
	b, ok, err := st.GetBudget("test-id")
	if err != nil || !ok {
		t.Fatalf("GetBudget failed: ok=%t err=%v", ok, err)
	}
	if avail := b.Available(time.Now()); avail != 0 {
		t.Fatalf("budget should be drained after 429, available=%f", avail)
	}
	if b.LastRefill.Before(time.Now().Add(25 * time.Second)) {
		t.Fatalf("refill must be deferred by Retry-After, last_refill=%v", b.LastRefill)
	}
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	var apiHits int32
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		// Reject every call; the client may refresh its token exactly
		// once before giving up.
		atomic.AddInt32(&apiHits, 1)
		w.WriteHeader(http.StatusForbidden)
	})
	c := f.newClient(t, nil)

	_, err := c.GetGuild(context.Background(), domain.NewGuildRef("us", "stormrage", "echoes-of-valor"))
	if domain.UpstreamKind(err) != domain.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if n := atomic.LoadInt32(&apiHits); n != 2 {
		t.Fatalf("expected original call plus one post-refresh retry, got %d", n)
	}
	if n := atomic.LoadInt32(&f.tokenCalls); n != 2 {
		t.Fatalf("expected one refresh after the initial exchange, got %d token calls", n)
	}
}

func TestTransientErrorsRetryWithBackoff(t *testing.T) {
	var hits int32
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(guildJSON())
	})
	c := f.newClient(t, nil)

	g, err := c.GetGuild(context.Background(), domain.NewGuildRef("us", "stormrage", "echoes-of-valor"))
	if err != nil {
		t.Fatalf("GetGuild should succeed on the third attempt: %v", err)
	}
	if g.Name != "Echoes of Valor" {
		t.Fatalf("unexpected guild: %+v", g)
	}
	if hits != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := f.newClient(t, nil)

	_, err := c.GetGuild(context.Background(), domain.NewGuildRef("us", "stormrage", "echoes-of-valor"))
	if domain.UpstreamKind(err) != domain.KindTransient {
		t.Fatalf("expected transient after exhausted retries, got %v", err)
	}
	if n := atomic.LoadInt32(&f.apiCalls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestFetchGuildSnapshotEnrichesTopMembers(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/data/wow/guild/stormrage/echoes-of-valor":
			json.NewEncoder(w).Encode(guildJSON())
		case r.URL.Path == "/data/wow/guild/stormrage/echoes-of-valor/roster":
			json.NewEncoder(w).Encode(map[string]any{
				"members": []map[string]any{
					rosterMemberJSON(2, "Mandos", 74, 3),
					rosterMemberJSON(1, "Thralla", 80, 0),
					rosterMemberJSON(3, "Velwyn", 70, 5),
				},
			})
		default: // character profiles
			json.NewEncoder(w).Encode(map[string]any{
				"average_item_level": 600,
				"active_spec":        map[string]any{"name": "Arms"},
			})
		}
	})
	c := f.newClient(t, nil)

	ref := domain.NewGuildRef("us", "Stormrage", "Echoes of Valor")
	snap, err := c.FetchGuildSnapshot(context.Background(), ref, 2)
	if err != nil {
		t.Fatalf("FetchGuildSnapshot failed: %v", err)
	}
	if snap.DisplayName != "Echoes of Valor" || snap.GuildKey != ref.Key() {
		t.Fatalf("unexpected snapshot header: %+v", snap)
	}
	if snap.SnapshotID == "" {
		t.Fatal("snapshot must carry an id")
	}
	if len(snap.Members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(snap.Members))
	}
	// Members come back rank-sorted; only the top two get enriched.
	if snap.Members[0].Name != "Thralla" || snap.Members[0].Rank != 0 {
		t.Fatalf("members must be rank-sorted, got %+v", snap.Members[0])
	}
	if snap.Members[0].AverageItemLevel != 600 || snap.Members[1].AverageItemLevel != 600 {
		t.Fatalf("top members must be enriched: %+v %+v", snap.Members[0], snap.Members[1])
	}
	if snap.Members[2].AverageItemLevel != 0 {
		t.Fatalf("members past the detail limit must stay unenriched: %+v", snap.Members[2])
	}
}

func TestFetchGuildSnapshotToleratesEnrichFailure(t *testing.T) {
	f := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/data/wow/guild/stormrage/tiny":
			json.NewEncoder(w).Encode(guildJSON())
		case r.URL.Path == "/data/wow/guild/stormrage/tiny/roster":
			json.NewEncoder(w).Encode(map[string]any{
				"members": []map[string]any{rosterMemberJSON(1, "Solo", 80, 0)},
			})
		default:
			http.Error(w, "no profile", http.StatusNotFound)
		}
	})
	c := f.newClient(t, nil)

	snap, err := c.FetchGuildSnapshot(context.Background(), domain.NewGuildRef("us", "stormrage", "tiny"), 5)
	if err != nil {
		t.Fatalf("a missing character profile must not fail the snapshot: %v", err)
	}
	if len(snap.Members) != 1 || snap.Members[0].AverageItemLevel != 0 {
		t.Fatalf("unexpected members: %+v", snap.Members)
	}
}
