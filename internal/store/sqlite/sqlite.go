package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/paul/grapevine/internal/store/sqlq"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options holds database configuration options
type Options struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// If MaxOpenConns is 0 or negative, there is no limit.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections to the database.
	// If MaxIdleConns is negative, no idle connections are retained.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum duration of time that a database
	// connection may be reused.
	// If ConnMaxLifetime is 0, connections are reused forever.
	ConnMaxLifetime time.Duration

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	EnableWAL bool

	// CacheSize sets the database cache size; negative values are KB.
	CacheSize int

	// BusyTimeout makes writers wait for the lock instead of failing with SQLITE_BUSY.
	BusyTimeout time.Duration
}

// DefaultOptions returns default database options
func DefaultOptions() *Options {
	return &Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		EnableWAL:       true,
		CacheSize:       -2000, // 2MB cache
		BusyTimeout:     5 * time.Second,
	}
}

// Store is a SQLite implementation of storage.Backend
type Store struct {
	db *sql.DB
}

// Ensure Store implements storage.Backend
var _ storage.Backend = (*Store)(nil)

// New creates a new SQLite store with default options
func New(dbPath string) (*Store, error) {
	return NewWithOptions(dbPath, DefaultOptions())
}

// NewWithOptions creates a new SQLite store with custom options
func NewWithOptions(dbPath string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	db, err := sql.Open("sqlite3", buildDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		opts.MaxOpenConns = 1
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 && dbPath != ":memory:" {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := store.configurePerformance(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure performance: %w", err)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// buildDSN puts connection-scoped pragmas in the DSN so every pooled
// connection gets them.
func buildDSN(dbPath string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath)
}

// configurePerformance applies performance optimizations
func (s *Store) configurePerformance(opts *Options) error {
	if opts.EnableWAL {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if opts.CacheSize != 0 {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA cache_size=%d;", opts.CacheSize)); err != nil {
			return fmt.Errorf("failed to set cache size: %w", err)
		}
	}

	if opts.BusyTimeout > 0 {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", opts.BusyTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	if _, err := s.db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		return fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA temp_store=MEMORY;"); err != nil {
		return fmt.Errorf("failed to set temp store: %w", err)
	}

	return nil
}

// SaveEvent inserts the event, its tag index rows and, for kind 5, its
// tombstones in one transaction. A second insert of the same id returns
// storage.ErrDuplicate.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) error {
	tags := evt.Tags
	if tags == nil {
		tags = event.Tags{}
	}
	tagsJSON, err := json.MarshalToString(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		evt.ID, evt.PubKey, evt.CreatedAt, evt.Kind, tagsJSON, evt.Content, evt.Sig)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrDuplicate
	}

	for _, tag := range tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?)",
			evt.ID, tag[0], tag[1]); err != nil {
			return fmt.Errorf("failed to index tag: %w", err)
		}
	}

	if evt.Kind == event.KindDeletion {
		for _, target := range evt.Tags.Values("e") {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO deletions (target_id, deleter_pubkey, deletion_id)
				VALUES (?, ?, ?)
				ON CONFLICT(target_id, deleter_pubkey) DO NOTHING`,
				target, evt.PubKey, evt.ID); err != nil {
				return fmt.Errorf("failed to record deletion: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
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

	q := sqlq.New(sqlq.SQLite)
	rows, err := s.db.QueryContext(ctx, q.Select(filter), q.Args()...)
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*event.Event, error) {
	evt := &event.Event{}
	var tagsJSON sql.NullString
	if err := row.Scan(&evt.ID, &evt.PubKey, &evt.CreatedAt, &evt.Kind, &tagsJSON, &evt.Content, &evt.Sig); err != nil {
		return nil, err
	}
	evt.Tags = event.Tags{}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.UnmarshalFromString(tagsJSON.String, &evt.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of %s: %w", evt.ID, err)
		}
	}
	return evt, nil
}

// GetEvent retrieves a single event by ID
func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	q := sqlq.New(sqlq.SQLite)
	query := "SELECT " + sqlq.EventColumns + " FROM events e WHERE " + q.Where(&event.Filter{IDs: []string{eventID}})

	evt, err := scanEvent(s.db.QueryRowContext(ctx, query, q.Args()...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return evt, nil
}

// GetRawEvent retrieves an event by ID, ignoring deletions
func (s *Store) GetRawEvent(ctx context.Context, eventID string) (*event.Event, error) {
	query := "SELECT " + sqlq.EventColumns + " FROM events e WHERE e.id = ?"

	evt, err := scanEvent(s.db.QueryRowContext(ctx, query, eventID))
	if errors.Is(err, sql.ErrNoRows) {
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

	q := sqlq.New(sqlq.SQLite)
	query, ok := q.Count(filters)
	if !ok {
		return s.countInGo(ctx, filters)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, q.Args()...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (s *Store) countInGo(ctx context.Context, filters []*event.Filter) (int64, error) {
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

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
