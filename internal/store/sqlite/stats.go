package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paul/grapevine/internal/store/sqlq"
	"github.com/paul/grapevine/pkg/storage"
)

// ApplyAuthorStats upserts the author row, clamping counters at zero.
func (s *Store) ApplyAuthorStats(ctx context.Context, pubkey string, delta storage.AuthorStatsDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO author_stats (pubkey, followers_count, following_count, notes_count)
		VALUES (?, MAX(?, 0), COALESCE(?, 0), MAX(?, 0))
		ON CONFLICT(pubkey) DO UPDATE SET
			followers_count = MAX(author_stats.followers_count + ?, 0),
			following_count = COALESCE(?, author_stats.following_count),
			notes_count = MAX(author_stats.notes_count + ?, 0)`,
		pubkey, delta.Followers, delta.FollowingCount, delta.Notes,
		delta.Followers, delta.FollowingCount, delta.Notes)
	if err != nil {
		return fmt.Errorf("failed to apply author stats: %w", err)
	}
	return nil
}

// ApplyEventStats upserts the event row and its reaction rows in one transaction.
func (s *Store) ApplyEventStats(ctx context.Context, eventID string, delta storage.EventStatsDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_stats (event_id, replies_count, reposts_count, quotes_count, zaps_amount, zaps_amount_cashu)
		VALUES (?, MAX(?, 0), MAX(?, 0), MAX(?, 0), MAX(?, 0), MAX(?, 0))
		ON CONFLICT(event_id) DO UPDATE SET
			replies_count = MAX(event_stats.replies_count + ?, 0),
			reposts_count = MAX(event_stats.reposts_count + ?, 0),
			quotes_count = MAX(event_stats.quotes_count + ?, 0),
			zaps_amount = MAX(event_stats.zaps_amount + ?, 0),
			zaps_amount_cashu = MAX(event_stats.zaps_amount_cashu + ?, 0)`,
		eventID, delta.Replies, delta.Reposts, delta.Quotes, delta.Zaps, delta.ZapsCashu,
		delta.Replies, delta.Reposts, delta.Quotes, delta.Zaps, delta.ZapsCashu)
	if err != nil {
		return fmt.Errorf("failed to apply event stats: %w", err)
	}

	for symbol, n := range delta.Reactions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_reactions (event_id, symbol, count) VALUES (?, ?, MAX(?, 0))
			ON CONFLICT(event_id, symbol) DO UPDATE SET count = MAX(event_reactions.count + ?, 0)`,
			eventID, symbol, n, n); err != nil {
			return fmt.Errorf("failed to apply reaction %q: %w", symbol, err)
		}
	}
	if len(delta.Reactions) > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM event_reactions WHERE event_id = ? AND count <= 0", eventID); err != nil {
			return fmt.Errorf("failed to prune reactions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PutAuthorStats overwrites the author row.
func (s *Store) PutAuthorStats(ctx context.Context, st *storage.AuthorStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO author_stats (pubkey, followers_count, following_count, notes_count, streak_start, streak_end, search)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			followers_count = excluded.followers_count,
			following_count = excluded.following_count,
			notes_count = excluded.notes_count,
			streak_start = excluded.streak_start,
			streak_end = excluded.streak_end,
			search = excluded.search`,
		st.PubKey, st.FollowersCount, st.FollowingCount, st.NotesCount, st.StreakStart, st.StreakEnd, st.Search)
	if err != nil {
		return fmt.Errorf("failed to put author stats: %w", err)
	}
	return nil
}

// PutEventStats overwrites the event row and replaces its reactions.
func (s *Store) PutEventStats(ctx context.Context, st *storage.EventStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_stats (event_id, replies_count, reposts_count, quotes_count, zaps_amount, zaps_amount_cashu)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			replies_count = excluded.replies_count,
			reposts_count = excluded.reposts_count,
			quotes_count = excluded.quotes_count,
			zaps_amount = excluded.zaps_amount,
			zaps_amount_cashu = excluded.zaps_amount_cashu`,
		st.EventID, st.RepliesCount, st.RepostsCount, st.QuotesCount, st.ZapsAmount, st.ZapsAmountCashu)
	if err != nil {
		return fmt.Errorf("failed to put event stats: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM event_reactions WHERE event_id = ?", st.EventID); err != nil {
		return fmt.Errorf("failed to clear reactions: %w", err)
	}
	for symbol, n := range st.Reactions {
		if n <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO event_reactions (event_id, symbol, count) VALUES (?, ?, ?)",
			st.EventID, symbol, n); err != nil {
			return fmt.Errorf("failed to put reaction %q: %w", symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetAuthorStats loads the rows that exist for pubkeys.
func (s *Store) GetAuthorStats(ctx context.Context, pubkeys []string) (map[string]*storage.AuthorStats, error) {
	out := make(map[string]*storage.AuthorStats, len(pubkeys))
	if len(pubkeys) == 0 {
		return out, nil
	}

	q := sqlq.New(sqlq.SQLite)
	query := `SELECT pubkey, followers_count, following_count, notes_count, streak_start, streak_end, search
		FROM author_stats WHERE ` + q.InStrings("pubkey", pubkeys)
	rows, err := s.db.QueryContext(ctx, query, q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query author stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &storage.AuthorStats{}
		var start, end sql.NullInt64
		if err := rows.Scan(&st.PubKey, &st.FollowersCount, &st.FollowingCount, &st.NotesCount, &start, &end, &st.Search); err != nil {
			return nil, fmt.Errorf("failed to scan author stats: %w", err)
		}
		if start.Valid {
			st.StreakStart = &start.Int64
		}
		if end.Valid {
			st.StreakEnd = &end.Int64
		}
		out[st.PubKey] = st
	}
	return out, rows.Err()
}

// GetEventStats loads the rows that exist for ids, with their reactions.
func (s *Store) GetEventStats(ctx context.Context, eventIDs []string) (map[string]*storage.EventStats, error) {
	out := make(map[string]*storage.EventStats, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}

	q := sqlq.New(sqlq.SQLite)
	query := `SELECT event_id, replies_count, reposts_count, quotes_count, zaps_amount, zaps_amount_cashu
		FROM event_stats WHERE ` + q.InStrings("event_id", eventIDs)
	rows, err := s.db.QueryContext(ctx, query, q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event stats: %w", err)
	}
	for rows.Next() {
		st := &storage.EventStats{Reactions: map[string]int64{}}
		if err := rows.Scan(&st.EventID, &st.RepliesCount, &st.RepostsCount, &st.QuotesCount, &st.ZapsAmount, &st.ZapsAmountCashu); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan event stats: %w", err)
		}
		out[st.EventID] = st
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	q = sqlq.New(sqlq.SQLite)
	query = "SELECT event_id, symbol, count FROM event_reactions WHERE " + q.InStrings("event_id", eventIDs)
	rrows, err := s.db.QueryContext(ctx, query, q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rrows.Close()

	for rrows.Next() {
		var id, symbol string
		var n int64
		if err := rrows.Scan(&id, &symbol, &n); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		st, ok := out[id]
		if !ok {
			st = &storage.EventStats{EventID: id, Reactions: map[string]int64{}}
			out[id] = st
		}
		st.Reactions[symbol] = n
	}
	return out, rrows.Err()
}
