package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/paul/grapevine/internal/store/sqlq"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures the connection pool and change notifications.
type Options struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	// NotifyChannel, when set, receives the id of every newly inserted
	// event via pg_notify inside the insert transaction.
	NotifyChannel string
}

// DefaultOptions returns default pool options
func DefaultOptions() *Options {
	return &Options{
		MaxConns:        20,
		MinConns:        2,
		ConnMaxLifetime: 30 * time.Minute,
		NotifyChannel:   "grapevine_events",
	}
}

// Store is a PostgreSQL implementation of storage.Backend
type Store struct {
	pool    *pgxpool.Pool
	channel string
}

var _ storage.Backend = (*Store)(nil)

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}

	s := &Store{pool: pool, channel: opts.NotifyChannel}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

// NewFromPool wraps an existing pool; the caller owns schema setup.
func NewFromPool(pool *pgxpool.Pool, channel string) *Store {
	return &Store{pool: pool, channel: channel}
}

// Pool exposes the underlying pool for listeners sharing it.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		kind INTEGER NOT NULL,
		tags JSONB NOT NULL DEFAULT '[]',
		content TEXT NOT NULL,
		sig TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_pubkey_created_at ON events(pubkey, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind_created_at ON events(kind, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at_id ON events(created_at DESC, id)`,
	`CREATE TABLE IF NOT EXISTS event_tags (
		event_id TEXT NOT NULL REFERENCES events(id),
		name TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_tags_name_value ON event_tags(name, value)`,
	`CREATE INDEX IF NOT EXISTS idx_event_tags_event_id ON event_tags(event_id)`,
	`CREATE TABLE IF NOT EXISTS deletions (
		target_id TEXT NOT NULL,
		deleter_pubkey TEXT NOT NULL,
		deletion_id TEXT NOT NULL,
		PRIMARY KEY (target_id, deleter_pubkey)
	)`,
	`CREATE TABLE IF NOT EXISTS author_stats (
		pubkey TEXT PRIMARY KEY,
		followers_count BIGINT NOT NULL DEFAULT 0,
		following_count BIGINT NOT NULL DEFAULT 0,
		notes_count BIGINT NOT NULL DEFAULT 0,
		streak_start BIGINT,
		streak_end BIGINT,
		search TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS event_stats (
		event_id TEXT PRIMARY KEY,
		replies_count BIGINT NOT NULL DEFAULT 0,
		reposts_count BIGINT NOT NULL DEFAULT 0,
		quotes_count BIGINT NOT NULL DEFAULT 0,
		zaps_amount BIGINT NOT NULL DEFAULT 0,
		zaps_amount_cashu BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS event_reactions (
		event_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (event_id, symbol)
	)`,
}

// EnsureSchema creates the tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent inserts the event and its index rows in one transaction and
// notifies the change channel on success.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) error {
	tags := evt.Tags
	if tags == nil {
		tags = event.Tags{}
	}
	tagsJSON, err := json.MarshalToString(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, tagsJSON, evt.Content, evt.Sig)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicate
	}

	batch := &pgx.Batch{}
	for _, t := range tags {
		if len(t) < 2 {
			continue
		}
		batch.Queue("INSERT INTO event_tags (event_id, name, value) VALUES ($1, $2, $3)", evt.ID, t[0], t[1])
	}
	if evt.Kind == event.KindDeletion {
		for _, target := range evt.Tags.Values("e") {
			batch.Queue(`INSERT INTO deletions (target_id, deleter_pubkey, deletion_id) VALUES ($1, $2, $3)
				ON CONFLICT (target_id, deleter_pubkey) DO NOTHING`, target, evt.PubKey, evt.ID)
		}
	}
	if s.channel != "" {
		batch.Queue("SELECT pg_notify($1, $2)", s.channel, evt.ID)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to write index rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// QueryEvents retrieves events matching the filters
func (s *Store) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	lists := make([][]*event.Event, 0, len(filters))
	for _, filter := range filters {
		events, err := s.queryFilter(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to query filter: %w", err)
		}
		lists = append(lists, events)
	}
	return event.MergeLimit(0, lists...), nil
}

func (s *Store) queryFilter(ctx context.Context, filter *event.Filter) ([]*event.Event, error) {
	if filter.Limit != nil && *filter.Limit <= 0 {
		return nil, nil
	}

	q := sqlq.New(sqlq.Postgres)
	rows, err := s.pool.Query(ctx, q.Select(filter), q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if filter.Search != "" && !event.MatchesSearch(evt.Content, filter.Search) {
			continue
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return event.Truncate(events, filter, 0), nil
}

func scanEvent(row pgx.Row) (*event.Event, error) {
	evt := &event.Event{}
	var tagsJSON string
	if err := row.Scan(&evt.ID, &evt.PubKey, &evt.CreatedAt, &evt.Kind, &tagsJSON, &evt.Content, &evt.Sig); err != nil {
		return nil, err
	}
	evt.Tags = event.Tags{}
	if tagsJSON != "" {
		if err := json.UnmarshalFromString(tagsJSON, &evt.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", evt.ID, err)
		}
	}
	return evt, nil
}

// GetEvent retrieves a single event by ID
func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	q := sqlq.New(sqlq.Postgres)
	query := "SELECT " + q.Columns() + " FROM events e WHERE " + q.Where(&event.Filter{IDs: []string{eventID}})

	evt, err := scanEvent(s.pool.QueryRow(ctx, query, q.Args()...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return evt, nil
}

// GetRawEvent retrieves an event by ID, ignoring deletions
func (s *Store) GetRawEvent(ctx context.Context, eventID string) (*event.Event, error) {
	q := sqlq.New(sqlq.Postgres)
	query := "SELECT " + q.Columns() + " FROM events e WHERE e.id = $1"

	evt, err := scanEvent(s.pool.QueryRow(ctx, query, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return evt, nil
}

// CountEvents returns the count of events matching the filters
func (s *Store) CountEvents(ctx context.Context, filters []*event.Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, nil
	}

	q := sqlq.New(sqlq.Postgres)
	query, ok := q.Count(filters)
	if !ok {
		unlimited := make([]*event.Filter, len(filters))
		for i, f := range filters {
			unlimited[i] = f.Clone()
			unlimited[i].Limit = nil
		}
		events, err := s.QueryEvents(ctx, unlimited)
		if err != nil {
			return 0, err
		}
		return int64(len(events)), nil
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, q.Args()...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
