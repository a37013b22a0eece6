// Package classify labels roster members through an AI text-classification
// provider. It is best-effort and decoupled from the request path: callers
// never block on it, and members without a usable label stay pending.
package classify

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"guildwatch/internal/domain"
	"guildwatch/internal/store"
)

const classifyBackoffBase = time.Second

// Result carries whatever the pipeline managed to label. Failed holds the
// entity keys of everything that did not get a label this round; the
// request path treats those as pending.
type Result struct {
	Labels map[string]domain.ClassificationLabel
	Failed []string
}

type Pipeline struct {
	provider   Provider
	store      *store.Store
	breaker    *Breaker
	batchSize  int
	maxRetries int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(provider Provider, st *store.Store, breaker *Breaker, batchSize, maxRetries int) *Pipeline {
	if batchSize < 1 {
		batchSize = 25
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Pipeline{
		provider:   provider,
		store:      st,
		breaker:    breaker,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Classify labels the given members under the current taxonomy version,
// persisting each successful batch as it lands. Provider failures degrade
// to a partial result; the only hard errors are context cancellation and
// persistence failures.
func (p *Pipeline) Classify(ctx context.Context, guildKey string, members []domain.RosterMember) (Result, error) {
	res := Result{Labels: make(map[string]domain.ClassificationLabel)}
	if len(members) == 0 {
		return res, nil
	}

	items := make([]Item, 0, len(members))
	for _, m := range members {
		items = append(items, Item{EntityKey: m.EntityKey(guildKey), Text: describeMember(m)})
	}

	for start := 0; start < len(items); start += p.batchSize {
		end := start + p.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		if !p.breaker.Allow() {
			// Known-down dependency: fail the rest fast instead of
			// queueing callers behind it.
			for _, item := range batch {
				res.Failed = append(res.Failed, item.EntityKey)
			}
			continue
		}

		decisions, err := p.classifyBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				for _, item := range items[start:] {
					res.Failed = append(res.Failed, item.EntityKey)
				}
				return res, ctx.Err()
			}
			p.breaker.RecordFailure()
			log.Printf("classify batch failed size=%d breaker=%s: %v", len(batch), p.breaker.State(), err)
			for _, item := range batch {
				res.Failed = append(res.Failed, item.EntityKey)
			}
			continue
		}
		p.breaker.RecordSuccess()

		now := p.now().UTC()
		var labels []domain.ClassificationLabel
		for _, item := range batch {
			d, ok := decisions[item.EntityKey]
			if !ok {
				res.Failed = append(res.Failed, item.EntityKey)
				continue
			}
			labels = append(labels, domain.ClassificationLabel{
				EntityKey:    item.EntityKey,
				Taxonomy:     domain.TaxonomyVersion,
				Label:        d.Label,
				Confidence:   d.Confidence,
				Provider:     p.provider.Name(),
				Model:        p.provider.Model(),
				ClassifiedAt: now,
			})
		}
		if err := p.store.InsertLabels(labels); err != nil {
			return res, fmt.Errorf("persisting labels: %w", err)
		}
		for _, l := range labels {
			res.Labels[l.EntityKey] = l
		}
	}
	return res, nil
}

// classifyBatch retries transient provider errors with exponential backoff
// and jitter before giving the batch up.
func (p *Pipeline) classifyBatch(ctx context.Context, batch []Item) (map[string]Decision, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := classifyBackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			if err := p.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
		decisions, err := p.provider.Classify(ctx, batch)
		if err == nil {
			return decisions, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// BreakerState exposes the gate position for the diagnostics tool.
func (p *Pipeline) BreakerState() string {
	return p.breaker.State()
}

func describeMember(m domain.RosterMember) string {
	parts := []string{
		fmt.Sprintf("%s, level %d %s", m.Name, m.Level, m.ClassName),
		fmt.Sprintf("guild rank %d", m.Rank),
	}
	if m.ActiveSpec != "" {
		parts = append(parts, "spec "+m.ActiveSpec)
	}
	if m.AverageItemLevel > 0 {
		parts = append(parts, fmt.Sprintf("item level %d", m.AverageItemLevel))
	}
	return strings.Join(parts, ", ")
}
