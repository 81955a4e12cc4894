package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/paul/grapevine/internal/store/sqlq"
	"github.com/paul/grapevine/pkg/storage"
)

// ApplyAuthorStats upserts the author row, clamping counters at zero.
func (s *Store) ApplyAuthorStats(ctx context.Context, pubkey string, delta storage.AuthorStatsDelta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO author_stats (pubkey, followers_count, following_count, notes_count)
		VALUES ($1, GREATEST($2::bigint, 0), COALESCE($3::bigint, 0), GREATEST($4::bigint, 0))
		ON CONFLICT (pubkey) DO UPDATE SET
			followers_count = GREATEST(author_stats.followers_count + $2::bigint, 0),
			following_count = COALESCE($3::bigint, author_stats.following_count),
			notes_count = GREATEST(author_stats.notes_count + $4::bigint, 0)`,
		pubkey, delta.Followers, delta.FollowingCount, delta.Notes)
	if err != nil {
		return fmt.Errorf("failed to apply author stats: %w", err)
	}
	return nil
}

// ApplyEventStats upserts the event row and its reaction rows in one transaction.
func (s *Store) ApplyEventStats(ctx context.Context, eventID string, delta storage.EventStatsDelta) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO event_stats (event_id, replies_count, reposts_count, quotes_count, zaps_amount, zaps_amount_cashu)
		VALUES ($1, GREATEST($2::bigint, 0), GREATEST($3::bigint, 0), GREATEST($4::bigint, 0), GREATEST($5::bigint, 0), GREATEST($6::bigint, 0))
		ON CONFLICT (event_id) DO UPDATE SET
			replies_count = GREATEST(event_stats.replies_count + $2::bigint, 0),
			reposts_count = GREATEST(event_stats.reposts_count + $3::bigint, 0),
			quotes_count = GREATEST(event_stats.quotes_count + $4::bigint, 0),
			zaps_amount = GREATEST(event_stats.zaps_amount + $5::bigint, 0),
			zaps_amount_cashu = GREATEST(event_stats.zaps_amount_cashu + $6::bigint, 0)`,
		eventID, delta.Replies, delta.Reposts, delta.Quotes, delta.Zaps, delta.ZapsCashu)
	for symbol, n := range delta.Reactions {
		batch.Queue(`
			INSERT INTO event_reactions (event_id, symbol, count) VALUES ($1, $2, GREATEST($3::bigint, 0))
			ON CONFLICT (event_id, symbol) DO UPDATE SET count = GREATEST(event_reactions.count + $3::bigint, 0)`,
			eventID, symbol, n)
	}
	if len(delta.Reactions) > 0 {
		batch.Queue("DELETE FROM event_reactions WHERE event_id = $1 AND count <= 0", eventID)
	}

	return s.inTx(ctx, batch)
}

// PutAuthorStats overwrites the author row.
func (s *Store) PutAuthorStats(ctx context.Context, st *storage.AuthorStats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO author_stats (pubkey, followers_count, following_count, notes_count, streak_start, streak_end, search)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pubkey) DO UPDATE SET
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
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO event_stats (event_id, replies_count, reposts_count, quotes_count, zaps_amount, zaps_amount_cashu)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO UPDATE SET
			replies_count = excluded.replies_count,
			reposts_count = excluded.reposts_count,
			quotes_count = excluded.quotes_count,
			zaps_amount = excluded.zaps_amount,
			zaps_amount_cashu = excluded.zaps_amount_cashu`,
		st.EventID, st.RepliesCount, st.RepostsCount, st.QuotesCount, st.ZapsAmount, st.ZapsAmountCashu)
	batch.Queue("DELETE FROM event_reactions WHERE event_id = $1", st.EventID)
	for symbol, n := range st.Reactions {
		if n > 0 {
			batch.Queue("INSERT INTO event_reactions (event_id, symbol, count) VALUES ($1, $2, $3)", st.EventID, symbol, n)
		}
	}
	return s.inTx(ctx, batch)
}

func (s *Store) inTx(ctx context.Context, batch *pgx.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write stats: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
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

	q := sqlq.New(sqlq.Postgres)
	rows, err := s.pool.Query(ctx, `SELECT pubkey, followers_count, following_count, notes_count, streak_start, streak_end, search
		FROM author_stats WHERE `+q.InStrings("pubkey", pubkeys), q.Args()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query author stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &storage.AuthorStats{}
		if err := rows.Scan(&st.PubKey, &st.FollowersCount, &st.FollowingCount, &st.NotesCount, &st.StreakStart, &st.StreakEnd, &st.Search); err != nil {
			return nil, fmt.Errorf("failed to scan author stats: %w", err)
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

	q := sqlq.New(sqlq.Postgres)
	rows, err := s.pool.Query(ctx, `SELECT event_id, replies_count, reposts_count, quotes_count, zaps_amount, zaps_amount_cashu
		FROM event_stats WHERE `+q.InStrings("event_id", eventIDs), q.Args()...)
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

	q = sqlq.New(sqlq.Postgres)
	rrows, err := s.pool.Query(ctx, "SELECT event_id, symbol, count FROM event_reactions WHERE "+
		q.InStrings("event_id", eventIDs), q.Args()...)
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
