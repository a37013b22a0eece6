// Package store is the system of record: guilds, roster snapshots and
// classification labels in SQLite. Roster members are replaced wholesale
// with their snapshot; labels are append-only.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"guildwatch/internal/domain"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS guilds (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		region             TEXT NOT NULL,
		realm              TEXT NOT NULL,
		name               TEXT NOT NULL,
		display_name       TEXT DEFAULT '',
		faction            TEXT DEFAULT '',
		member_count       INTEGER DEFAULT 0,
		achievement_points INTEGER DEFAULT 0,
		snapshot_id        TEXT DEFAULT '',
		last_fetched_at    DATETIME,
		last_classified_at DATETIME,
		UNIQUE(region, realm, name)
	);

	CREATE TABLE IF NOT EXISTS roster_members (
		guild_id           INTEGER NOT NULL,
		character_id       INTEGER NOT NULL,
		name               TEXT NOT NULL,
		realm              TEXT DEFAULT '',
		level              INTEGER DEFAULT 0,
		class_id           INTEGER DEFAULT 0,
		class_name         TEXT DEFAULT '',
		race_id            INTEGER DEFAULT 0,
		rank               INTEGER DEFAULT 0,
		average_item_level INTEGER DEFAULT 0,
		active_spec        TEXT DEFAULT '',
		payload_hash       TEXT DEFAULT '',
		snapshot_id        TEXT NOT NULL,
		PRIMARY KEY (guild_id, character_id)
	);
	CREATE INDEX IF NOT EXISTS idx_roster_members_guild ON roster_members(guild_id);

	CREATE TABLE IF NOT EXISTS classification_labels (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_key    TEXT NOT NULL,
		taxonomy      TEXT NOT NULL,
		label         TEXT NOT NULL,
		confidence    REAL NOT NULL,
		provider      TEXT DEFAULT '',
		model         TEXT DEFAULT '',
		classified_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_labels_entity ON classification_labels(entity_key, taxonomy, classified_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot upserts the guild row and replaces its roster wholesale in
// one transaction. There are never partial member updates.
func (s *Store) SaveSnapshot(ref domain.GuildRef, snap *domain.RosterSnapshot) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO guilds (region, realm, name, display_name, faction, member_count, achievement_points, snapshot_id, last_fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(region, realm, name) DO UPDATE SET
		   display_name = excluded.display_name,
		   faction = excluded.faction,
		   member_count = excluded.member_count,
		   achievement_points = excluded.achievement_points,
		   snapshot_id = excluded.snapshot_id,
		   last_fetched_at = excluded.last_fetched_at`,
		ref.Region, ref.Realm, ref.Name, snap.DisplayName, snap.Faction,
		len(snap.Members), snap.AchievementPoints, snap.SnapshotID, snap.FetchedAt,
	)
	if err != nil {
		return 0, err
	}

	var guildID int64
	err = tx.QueryRow(
		`SELECT id FROM guilds WHERE region = ? AND realm = ? AND name = ?`,
		ref.Region, ref.Realm, ref.Name,
	).Scan(&guildID)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`DELETE FROM roster_members WHERE guild_id = ?`, guildID); err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO roster_members
		 (guild_id, character_id, name, realm, level, class_id, class_name, race_id, rank, average_item_level, active_spec, payload_hash, snapshot_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, m := range snap.Members {
		_, err := stmt.Exec(
			guildID, m.CharacterID, m.Name, m.Realm, m.Level, m.ClassID, m.ClassName,
			m.RaceID, m.Rank, m.AverageItemLevel, m.ActiveSpec, m.PayloadHash, snap.SnapshotID,
		)
		if err != nil {
			return 0, err
		}
	}

	return guildID, tx.Commit()
}

func (s *Store) GetGuild(ref domain.GuildRef) (domain.Guild, bool, error) {
	var g domain.Guild
	var lastFetched, lastClassified sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, region, realm, name, display_name, faction, member_count, achievement_points, snapshot_id, last_fetched_at, last_classified_at
		 FROM guilds WHERE region = ? AND realm = ? AND name = ?`,
		ref.Region, ref.Realm, ref.Name,
	).Scan(&g.ID, &g.Region, &g.Realm, &g.Name, &g.DisplayName, &g.Faction,
		&g.MemberCount, &g.AchievementPoints, &g.SnapshotID, &lastFetched, &lastClassified)
	if err == sql.ErrNoRows {
		return domain.Guild{}, false, nil
	}
	if err != nil {
		return domain.Guild{}, false, err
	}
	if lastFetched.Valid {
		g.LastFetchedAt = lastFetched.Time
	}
	if lastClassified.Valid {
		g.LastClassifiedAt = lastClassified.Time
	}
	return g, true, nil
}

func (s *Store) GetRoster(guildID int64) ([]domain.RosterMember, error) {
	rows, err := s.db.Query(
		`SELECT character_id, name, realm, level, class_id, class_name, race_id, rank, average_item_level, active_spec, payload_hash
		 FROM roster_members WHERE guild_id = ? ORDER BY rank, name`,
		guildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.RosterMember
	for rows.Next() {
		var m domain.RosterMember
		err := rows.Scan(&m.CharacterID, &m.Name, &m.Realm, &m.Level, &m.ClassID,
			&m.ClassName, &m.RaceID, &m.Rank, &m.AverageItemLevel, &m.ActiveSpec, &m.PayloadHash)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// LoadSnapshot reconstructs the last persisted roster snapshot for the
// persistence-fallback path when the cache has nothing usable.
func (s *Store) LoadSnapshot(ref domain.GuildRef) (*domain.RosterSnapshot, bool, error) {
	g, ok, err := s.GetGuild(ref)
	if err != nil || !ok {
		return nil, false, err
	}
	members, err := s.GetRoster(g.ID)
	if err != nil {
		return nil, false, err
	}
	return &domain.RosterSnapshot{
		SnapshotID:        g.SnapshotID,
		GuildKey:          ref.Key(),
		DisplayName:       g.DisplayName,
		Faction:           g.Faction,
		AchievementPoints: g.AchievementPoints,
		Members:           members,
		FetchedAt:         g.LastFetchedAt,
	}, true, nil
}

// InsertLabels appends classification labels. Existing rows are never
// touched; the latest row per (entity, taxonomy) wins on read.
func (s *Store) InsertLabels(labels []domain.ClassificationLabel) error {
	if len(labels) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO classification_labels (entity_key, taxonomy, label, confidence, provider, model, classified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range labels {
		classifiedAt := l.ClassifiedAt
		if classifiedAt.IsZero() {
			classifiedAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(l.EntityKey, l.Taxonomy, l.Label, l.Confidence, l.Provider, l.Model, classifiedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestLabels returns the newest label per member of a guild under the
// given taxonomy version.
func (s *Store) LatestLabels(guildKey, taxonomy string) (map[string]domain.ClassificationLabel, error) {
	rows, err := s.db.Query(
		`SELECT id, entity_key, taxonomy, label, confidence, provider, model, classified_at
		 FROM classification_labels
		 WHERE entity_key LIKE ? || '#%' AND taxonomy = ?
		 ORDER BY classified_at ASC, id ASC`,
		guildKey, taxonomy,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.ClassificationLabel)
	for rows.Next() {
		var l domain.ClassificationLabel
		if err := rows.Scan(&l.ID, &l.EntityKey, &l.Taxonomy, &l.Label, &l.Confidence, &l.Provider, &l.Model, &l.ClassifiedAt); err != nil {
			return nil, err
		}
		out[l.EntityKey] = l // ascending order, so the last row per key wins
	}
	return out, rows.Err()
}

// LabelHistory lists every label ever written for one entity, newest
// first, across taxonomy versions.
func (s *Store) LabelHistory(entityKey string, limit int) ([]domain.ClassificationLabel, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, entity_key, taxonomy, label, confidence, provider, model, classified_at
		 FROM classification_labels
		 WHERE entity_key = ?
		 ORDER BY classified_at DESC, id DESC
		 LIMIT ?`,
		entityKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClassificationLabel
	for rows.Next() {
		var l domain.ClassificationLabel
		if err := rows.Scan(&l.ID, &l.EntityKey, &l.Taxonomy, &l.Label, &l.Confidence, &l.Provider, &l.Model, &l.ClassifiedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) MarkGuildClassified(guildID int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE guilds SET last_classified_at = ? WHERE id = ?`, at, guildID)
	return err
}
