package sqlite

import (
	"fmt"
	"time"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL,
			sig TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_pubkey_created_at ON events(pubkey, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_events_kind_created_at ON events(kind, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_events_created_at_id ON events(created_at DESC, id);
		`,
	},
	{
		version: 2,
		sql: `
		CREATE TABLE IF NOT EXISTS event_tags (
			event_id TEXT NOT NULL REFERENCES events(id),
			name TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_event_tags_name_value ON event_tags(name, value);
		CREATE INDEX IF NOT EXISTS idx_event_tags_event_id ON event_tags(event_id);

		CREATE TABLE IF NOT EXISTS deletions (
			target_id TEXT NOT NULL,
			deleter_pubkey TEXT NOT NULL,
			deletion_id TEXT NOT NULL,
			PRIMARY KEY (target_id, deleter_pubkey)
		);
		`,
	},
	{
		version: 3,
		sql: `
		CREATE TABLE IF NOT EXISTS author_stats (
			pubkey TEXT PRIMARY KEY,
			followers_count INTEGER NOT NULL DEFAULT 0,
			following_count INTEGER NOT NULL DEFAULT 0,
			notes_count INTEGER NOT NULL DEFAULT 0,
			streak_start INTEGER,
			streak_end INTEGER,
			search TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_author_stats_followers ON author_stats(followers_count DESC);

		CREATE TABLE IF NOT EXISTS event_stats (
			event_id TEXT PRIMARY KEY,
			replies_count INTEGER NOT NULL DEFAULT 0,
			reposts_count INTEGER NOT NULL DEFAULT 0,
			quotes_count INTEGER NOT NULL DEFAULT 0,
			zaps_amount INTEGER NOT NULL DEFAULT 0,
			zaps_amount_cashu INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS event_reactions (
			event_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (event_id, symbol)
		);
		`,
	},
}

// initSchema creates the migrations table and applies pending migrations.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) runMigrations() error {
	for _, m := range migrations {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
