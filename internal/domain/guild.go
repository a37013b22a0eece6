package domain

import (
	"fmt"
	"strings"
	"time"
)

// GuildRef identifies a guild the way the upstream API does:
// region + realm slug + guild name slug, all normalized to lower case.
type GuildRef struct {
	Region string
	Realm  string
	Name   string
}

// NewGuildRef normalizes raw user input into a canonical reference.
// "Echoes of Valor" on "Stormrage" becomes echoes-of-valor/stormrage.
func NewGuildRef(region, realm, name string) GuildRef {
	return GuildRef{
		Region: strings.ToLower(strings.TrimSpace(region)),
		Realm:  Slug(realm),
		Name:   Slug(name),
	}
}

// Slug lower-cases and hyphenates a realm or guild name.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "-")
}

// Key is the canonical identity string, used in fingerprints and DB rows.
func (r GuildRef) Key() string {
	return r.Region + "/" + r.Realm + "/" + r.Name
}

func (r GuildRef) String() string { return r.Key() }

func (r GuildRef) Validate() error {
	if r.Region == "" || r.Realm == "" || r.Name == "" {
		return fmt.Errorf("guild ref requires region, realm and name, got %q", r.Key())
	}
	return nil
}

type Guild struct {
	ID                int64
	Region            string
	Realm             string
	Name              string // slug
	DisplayName       string
	Faction           string
	MemberCount       int
	AchievementPoints int
	SnapshotID        string // current roster snapshot
	LastFetchedAt     time.Time
	LastClassifiedAt  time.Time
}

func (g Guild) Ref() GuildRef {
	return GuildRef{Region: g.Region, Realm: g.Realm, Name: g.Name}
}

// RosterMember is owned by its guild and replaced wholesale on each
// successful roster fetch; there are no partial member updates.
type RosterMember struct {
	CharacterID int64  `json:"character_id"`
	Name        string `json:"name"`
	Realm       string `json:"realm"`
	Level       int    `json:"level"`
	ClassID     int    `json:"class_id"`
	ClassName   string `json:"class_name,omitempty"`
	RaceID      int    `json:"race_id"`
	Rank        int    `json:"rank"`
	// Enrichment from the character profile; zero when not fetched.
	AverageItemLevel int    `json:"average_item_level,omitempty"`
	ActiveSpec       string `json:"active_spec,omitempty"`
	// Hash of the raw upstream member payload, for change detection.
	PayloadHash string `json:"payload_hash"`
}

// EntityKey identifies the member for classification purposes.
func (m RosterMember) EntityKey(guildKey string) string {
	return fmt.Sprintf("%s#%d", guildKey, m.CharacterID)
}

// RosterSnapshot is the unit the cache layer stores: one guild profile plus
// its full member list, taken in a single fetch pass.
type RosterSnapshot struct {
	SnapshotID        string         `json:"snapshot_id"`
	GuildKey          string         `json:"guild_key"`
	DisplayName       string         `json:"display_name"`
	Faction           string         `json:"faction"`
	AchievementPoints int            `json:"achievement_points"`
	Members           []RosterMember `json:"members"`
	// Truncated is set when pagination hit the hard page cap and the
	// member list is a partial result.
	Truncated bool      `json:"truncated,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}
