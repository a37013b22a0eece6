package blizzard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"guildwatch/internal/domain"
)

const enrichConcurrency = 4

type GuildProfile struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Faction struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"faction"`
	AchievementPoints int `json:"achievement_points"`
	MemberCount       int `json:"member_count"`
}

type rosterPage struct {
	Page      int               `json:"page"`
	PageCount int               `json:"pageCount"`
	Members   []json.RawMessage `json:"members"`
}

type rosterEntry struct {
	Rank      int `json:"rank"`
	Character struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Level int    `json:"level"`
		Realm struct {
			Slug string `json:"slug"`
		} `json:"realm"`
		PlayableClass struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"playable_class"`
		PlayableRace struct {
			ID int `json:"id"`
		} `json:"playable_race"`
	} `json:"character"`
}

type CharacterProfile struct {
	AverageItemLevel int `json:"average_item_level"`
	ActiveSpec       struct {
		Name string `json:"name"`
	} `json:"active_spec"`
}

// GetGuild fetches the guild profile (faction, achievement points, size).
func (c *Client) GetGuild(ctx context.Context, ref domain.GuildRef) (*GuildProfile, error) {
	endpoint := fmt.Sprintf("/data/wow/guild/%s/%s", url.PathEscape(ref.Realm), url.PathEscape(ref.Name))
	body, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var g GuildProfile
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, &domain.UpstreamError{Kind: domain.KindMalformedResponse, Err: err}
	}
	return &g, nil
}

// GetRoster fetches the full member list, following page tokens until
// exhaustion or the hard page cap. A capped fetch returns what it has
// with truncated=true rather than discarding the partial result.
func (c *Client) GetRoster(ctx context.Context, ref domain.GuildRef) ([]domain.RosterMember, bool, error) {
	endpoint := fmt.Sprintf("/data/wow/guild/%s/%s/roster", url.PathEscape(ref.Realm), url.PathEscape(ref.Name))

	var members []domain.RosterMember
	truncated := false
	page := 1
	for {
		params := url.Values{}
		if page > 1 {
			params.Set("page", strconv.Itoa(page))
		}
		body, err := c.get(ctx, endpoint, params)
		if err != nil {
			return nil, false, err
		}
		var rp rosterPage
		if err := json.Unmarshal(body, &rp); err != nil {
			return nil, false, &domain.UpstreamError{Kind: domain.KindMalformedResponse, Err: err}
		}
		for _, raw := range rp.Members {
			m, err := normalizeMember(raw)
			if err != nil {
				return nil, false, err
			}
			members = append(members, m)
		}

		if rp.PageCount <= 1 || page >= rp.PageCount {
			break
		}
		page++
		if page > c.cfg.MaxPages {
			truncated = true
			log.Printf("blizzard roster truncated guild=%s pages=%d cap=%d", ref.Key(), rp.PageCount, c.cfg.MaxPages)
			break
		}
	}
	return members, truncated, nil
}

func normalizeMember(raw json.RawMessage) (domain.RosterMember, error) {
	var e rosterEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.RosterMember{}, &domain.UpstreamError{Kind: domain.KindMalformedResponse, Err: err}
	}
	sum := sha256.Sum256(raw)
	return domain.RosterMember{
		CharacterID: e.Character.ID,
		Name:        e.Character.Name,
		Realm:       e.Character.Realm.Slug,
		Level:       e.Character.Level,
		ClassID:     e.Character.PlayableClass.ID,
		ClassName:   e.Character.PlayableClass.Name,
		RaceID:      e.Character.PlayableRace.ID,
		Rank:        e.Rank,
		PayloadHash: hex.EncodeToString(sum[:16]),
	}, nil
}

// GetCharacterProfile fetches one character's profile for enrichment.
func (c *Client) GetCharacterProfile(ctx context.Context, realm, name string) (*CharacterProfile, error) {
	endpoint := fmt.Sprintf("/profile/wow/character/%s/%s",
		url.PathEscape(domain.Slug(realm)), url.PathEscape(domain.Slug(name)))
	body, err := c.get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var p CharacterProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &domain.UpstreamError{Kind: domain.KindMalformedResponse, Err: err}
	}
	return &p, nil
}

// FetchGuildSnapshot runs the full acquisition pass: guild profile, paged
// roster, then best-effort detail enrichment for the top-ranked members
// with bounded concurrency. Per-member enrichment failures are tolerated.
func (c *Client) FetchGuildSnapshot(ctx context.Context, ref domain.GuildRef, detailLimit int) (*domain.RosterSnapshot, error) {
	g, err := c.GetGuild(ctx, ref)
	if err != nil {
		return nil, err
	}
	members, truncated, err := c.GetRoster(ctx, ref)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(members, func(i, j int) bool { return members[i].Rank < members[j].Rank })

	if detailLimit > len(members) {
		detailLimit = len(members)
	}
	if detailLimit > 0 {
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(enrichConcurrency)
		for i := 0; i < detailLimit; i++ {
			i := i
			eg.Go(func() error {
				p, err := c.GetCharacterProfile(gctx, members[i].Realm, members[i].Name)
				if err != nil {
					// Enrichment is optional; a missing profile must not
					// fail the whole snapshot.
					log.Printf("blizzard enrich skipped member=%s: %v", members[i].Name, err)
					return nil
				}
				members[i].AverageItemLevel = p.AverageItemLevel
				members[i].ActiveSpec = p.ActiveSpec.Name
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	snap := &domain.RosterSnapshot{
		SnapshotID:        uuid.NewString(),
		GuildKey:          ref.Key(),
		DisplayName:       g.Name,
		Faction:           g.Faction.Name,
		AchievementPoints: g.AchievementPoints,
		Members:           members,
		Truncated:         truncated,
		FetchedAt:         c.now(),
	}
	log.Printf("blizzard snapshot guild=%s members=%d truncated=%t", ref.Key(), len(members), truncated)
	return snap, nil
}
