// Package coordinator is the façade both processes call. It resolves a
// guild-analytics request into cache reads, triggers refresh and
// classification as needed, and returns the best data available right now.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"guildwatch/internal/cache"
	"guildwatch/internal/classify"
	"guildwatch/internal/domain"
	"guildwatch/internal/ratelimit"
	"guildwatch/internal/store"
)

const classifyTimeout = 2 * time.Minute

// Fetcher is the upstream acquisition pass (implemented by the blizzard
// client).
type Fetcher interface {
	FetchGuildSnapshot(ctx context.Context, ref domain.GuildRef, detailLimit int) (*domain.RosterSnapshot, error)
}

// Classifier is the best-effort labelling pipeline. May be nil when no
// provider is configured; everything then stays pending.
type Classifier interface {
	Classify(ctx context.Context, guildKey string, members []domain.RosterMember) (classify.Result, error)
	BreakerState() string
}

type Coordinator struct {
	cache       *cache.Cache
	store       *store.Store
	fetcher     Fetcher
	classifier  Classifier
	limiter     *ratelimit.Limiter
	credential  string
	policy      cache.Policy
	detailLimit int

	mu                 sync.Mutex
	classifyInFlight   map[string]bool
	detachedClassifies sync.WaitGroup
}

type Options struct {
	Cache        *cache.Cache
	Store        *store.Store
	Fetcher      Fetcher
	Classifier   Classifier
	Limiter      *ratelimit.Limiter
	CredentialID string
	TTL          time.Duration
	StaleCeiling time.Duration
	DetailLimit  int
}

func New(opts Options) *Coordinator {
	return &Coordinator{
		cache:            opts.Cache,
		store:            opts.Store,
		fetcher:          opts.Fetcher,
		classifier:       opts.Classifier,
		limiter:          opts.Limiter,
		credential:       opts.CredentialID,
		policy:           cache.Policy{TTL: opts.TTL, StaleCeiling: opts.StaleCeiling},
		detailLimit:      opts.DetailLimit,
		classifyInFlight: make(map[string]bool),
	}
}

// GuildAnalytics answers "give me analytics for guild G" with the best
// available data: cache first, persistence fallback second, a synchronous
// fetch only when there is nothing to serve. An error reaches the caller
// only when all three come up empty.
func (c *Coordinator) GuildAnalytics(ctx context.Context, ref domain.GuildRef) (*domain.AnalyticsView, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	fp := domain.Fingerprint("guild-roster", ref.Key(), "detail="+strconv.Itoa(c.detailLimit))
	payload, freshness, err := c.cache.GetOrRefresh(ctx, fp, c.policy, c.refreshFn(ref))
	if err != nil {
		snap, ok, loadErr := c.store.LoadSnapshot(ref)
		if loadErr != nil {
			log.Printf("coordinator persistence fallback error guild=%s: %v", ref.Key(), loadErr)
		}
		if ok {
			log.Printf("coordinator serving persisted snapshot guild=%s after refresh error: %v", ref.Key(), err)
			return c.assembleView(ref, snap, domain.StaleServed), nil
		}
		switch domain.UpstreamKind(err) {
		case domain.KindNotFound, domain.KindUnauthorized, domain.KindMalformedResponse:
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	var snap domain.RosterSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decoding cached snapshot for %s: %w", ref.Key(), err)
	}
	return c.assembleView(ref, &snap, freshness), nil
}

// refreshFn is the expensive path behind the cache layer: admit, fetch,
// normalize, persist, and hand the payload back for cache population.
func (c *Coordinator) refreshFn(ref domain.GuildRef) cache.RefreshFn {
	return func(ctx context.Context) ([]byte, error) {
		snap, err := c.fetcher.FetchGuildSnapshot(ctx, ref, c.detailLimit)
		if err != nil {
			return nil, err
		}
		if _, err := c.store.SaveSnapshot(ref, snap); err != nil {
			return nil, fmt.Errorf("persisting snapshot for %s: %w", ref.Key(), err)
		}
		return json.Marshal(snap)
	}
}

// assembleView merges the roster snapshot with the newest persisted labels
// and schedules classification for whatever is still unlabeled. Label
// loading is best-effort: a store hiccup degrades to pending, never to an
// error.
func (c *Coordinator) assembleView(ref domain.GuildRef, snap *domain.RosterSnapshot, freshness domain.Freshness) *domain.AnalyticsView {
	labels, err := c.store.LatestLabels(ref.Key(), domain.TaxonomyVersion)
	if err != nil {
		log.Printf("coordinator label load error guild=%s: %v", ref.Key(), err)
		labels = nil
	}

	view := &domain.AnalyticsView{
		Guild:       ref,
		DisplayName: snap.DisplayName,
		Faction:     snap.Faction,
		MemberCount: len(snap.Members),
		Truncated:   snap.Truncated,
		Freshness:   freshness,
		FetchedAt:   snap.FetchedAt,
		LabelCounts: make(map[string]int),
	}

	var unlabeled []domain.RosterMember
	var levelSum int
	for _, m := range snap.Members {
		levelSum += m.Level
		mv := domain.MemberView{RosterMember: m, LabelStatus: domain.LabelStatusPending}
		if l, ok := labels[m.EntityKey(ref.Key())]; ok {
			mv.Label = l.Label
			mv.Confidence = l.Confidence
			mv.LabelStatus = domain.LabelStatusOK
			view.LabelCounts[l.Label]++
		} else {
			view.Pending++
			unlabeled = append(unlabeled, m)
		}
		view.Members = append(view.Members, mv)
	}
	if len(snap.Members) > 0 {
		view.LevelAverage = float64(levelSum) / float64(len(snap.Members))
	}

	if len(unlabeled) > 0 {
		c.scheduleClassification(ref, unlabeled)
	}
	return view
}

// scheduleClassification fires a detached labelling pass for a guild's
// unlabeled members. At most one pass per guild runs at a time; the
// request path never waits for it.
func (c *Coordinator) scheduleClassification(ref domain.GuildRef, members []domain.RosterMember) {
	if c.classifier == nil {
		return
	}
	key := ref.Key()

	c.mu.Lock()
	if c.classifyInFlight[key] {
		c.mu.Unlock()
		return
	}
	c.classifyInFlight[key] = true
	c.mu.Unlock()

	c.detachedClassifies.Add(1)
	go func() {
		defer c.detachedClassifies.Done()
		defer func() {
			c.mu.Lock()
			delete(c.classifyInFlight, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), classifyTimeout)
		defer cancel()

		res, err := c.classifier.Classify(ctx, key, members)
		if err != nil {
			log.Printf("coordinator classification error guild=%s: %v", key, err)
			return
		}
		log.Printf("coordinator classification done guild=%s labeled=%d failed=%d", key, len(res.Labels), len(res.Failed))
		if len(res.Labels) == 0 {
			return
		}
		if g, ok, err := c.store.GetGuild(ref); err == nil && ok {
			if err := c.store.MarkGuildClassified(g.ID, time.Now().UTC()); err != nil {
				log.Printf("coordinator mark classified error guild=%s: %v", key, err)
			}
		}
	}()
}

// MemberDetail resolves one member of a guild plus that member's full
// label history across taxonomy versions.
type MemberDetail struct {
	Member  domain.MemberView            `json:"member"`
	History []domain.ClassificationLabel `json:"history,omitempty"`
}

func (c *Coordinator) MemberDetail(ctx context.Context, ref domain.GuildRef, characterName string) (*MemberDetail, error) {
	view, err := c.GuildAnalytics(ctx, ref)
	if err != nil {
		return nil, err
	}
	want := domain.Slug(characterName)
	for _, mv := range view.Members {
		if domain.Slug(mv.Name) != want {
			continue
		}
		history, err := c.store.LabelHistory(mv.EntityKey(ref.Key()), 20)
		if err != nil {
			log.Printf("coordinator label history error member=%s: %v", mv.Name, err)
		}
		return &MemberDetail{Member: mv, History: history}, nil
	}
	return nil, &domain.UpstreamError{Kind: domain.KindNotFound,
		Err: fmt.Errorf("character %q is not in guild %s", characterName, ref.Key())}
}

// Status reports pipeline health for the diagnostics tool: cache size,
// remaining rate budget, breaker position.
type Status struct {
	CacheEntries    int     `json:"cache_entries"`
	RefreshInFlight int     `json:"refresh_in_flight"`
	BudgetTokens    float64 `json:"budget_tokens"`
	BudgetCapacity  float64 `json:"budget_capacity"`
	BreakerState    string  `json:"breaker_state"`
}

func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	stats, err := c.cache.Stats()
	if err != nil {
		return nil, err
	}
	st := &Status{
		CacheEntries:    stats.Entries,
		RefreshInFlight: stats.Refreshing,
		BreakerState:    "disabled",
	}
	if c.classifier != nil {
		st.BreakerState = c.classifier.BreakerState()
	}
	if c.limiter != nil {
		if b, ok, err := c.limiter.Budget(c.credential); err == nil && ok {
			st.BudgetTokens = b.Available(time.Now())
			st.BudgetCapacity = b.Capacity
		}
	}
	return st, nil
}
