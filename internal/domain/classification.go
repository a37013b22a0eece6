package domain

import "time"

// TaxonomyVersion names the label scheme in force. Bump it when the label
// set changes; old labels stay readable under their own version.
const TaxonomyVersion = "member-archetype/v1"

// ArchetypeLabels is the closed label set for member classification.
var ArchetypeLabels = []string{"raider", "mythic-plus", "pvp", "social", "casual", "alt"}

// ClassificationLabel is immutable once written for a given taxonomy
// version. Re-classification appends a newer row, it never overwrites.
type ClassificationLabel struct {
	ID           int64
	EntityKey    string // guild key + character id, see RosterMember.EntityKey
	Taxonomy     string
	Label        string
	Confidence   float64
	Provider     string
	Model        string
	ClassifiedAt time.Time
}

// LabelStatus tells a caller whether a member has a usable label yet.
type LabelStatus string

const (
	LabelStatusOK      LabelStatus = "ok"
	LabelStatusPending LabelStatus = "pending"
)

// MemberView is a roster member plus its best-effort classification.
type MemberView struct {
	RosterMember
	Label       string      `json:"label,omitempty"`
	Confidence  float64     `json:"confidence,omitempty"`
	LabelStatus LabelStatus `json:"label_status"`
}

// Freshness describes how the cache layer satisfied a read.
type Freshness string

const (
	Fresh       Freshness = "fresh"
	StaleServed Freshness = "stale-served"
	Refreshed   Freshness = "refreshed"
)

// AnalyticsView is the Coordinator's answer to "give me analytics for
// guild G": best-available roster data plus best-effort labels.
type AnalyticsView struct {
	Guild        GuildRef     `json:"guild"`
	DisplayName  string       `json:"display_name"`
	Faction      string       `json:"faction"`
	Members      []MemberView `json:"members"`
	MemberCount  int          `json:"member_count"`
	Pending      int          `json:"pending_labels"`
	Truncated    bool         `json:"truncated,omitempty"`
	Freshness    Freshness    `json:"freshness"`
	FetchedAt    time.Time    `json:"fetched_at"`
	LevelAverage float64      `json:"level_average"`
	// Label -> member count, only for labelled members.
	LabelCounts map[string]int `json:"label_counts,omitempty"`
}
