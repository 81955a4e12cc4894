package memory

import (
	"context"

	"github.com/paul/grapevine/pkg/storage"
)

// ApplyAuthorStats creates the row on first reference and adds delta.
func (s *Store) ApplyAuthorStats(ctx context.Context, pubkey string, delta storage.AuthorStatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.authorStats[pubkey]
	if !ok {
		row = &storage.AuthorStats{PubKey: pubkey}
		s.authorStats[pubkey] = row
	}
	row.FollowersCount += delta.Followers
	row.NotesCount += delta.Notes
	if delta.FollowingCount != nil {
		row.FollowingCount = *delta.FollowingCount
	}
	clampAuthor(row)
	return nil
}

// ApplyEventStats creates the row on first reference and adds delta.
func (s *Store) ApplyEventStats(ctx context.Context, eventID string, delta storage.EventStatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.eventStats[eventID]
	if !ok {
		row = &storage.EventStats{EventID: eventID, Reactions: map[string]int64{}}
		s.eventStats[eventID] = row
	}
	row.RepliesCount += delta.Replies
	row.RepostsCount += delta.Reposts
	row.QuotesCount += delta.Quotes
	row.ZapsAmount += delta.Zaps
	row.ZapsAmountCashu += delta.ZapsCashu
	for symbol, n := range delta.Reactions {
		row.Reactions[symbol] += n
		if row.Reactions[symbol] <= 0 {
			delete(row.Reactions, symbol)
		}
	}
	clampEvent(row)
	return nil
}

// PutAuthorStats overwrites the row for stats.PubKey.
func (s *Store) PutAuthorStats(ctx context.Context, stats *storage.AuthorStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *stats
	s.authorStats[stats.PubKey] = &cp
	return nil
}

// PutEventStats overwrites the row for stats.EventID.
func (s *Store) PutEventStats(ctx context.Context, stats *storage.EventStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *stats
	cp.Reactions = make(map[string]int64, len(stats.Reactions))
	for k, v := range stats.Reactions {
		cp.Reactions[k] = v
	}
	s.eventStats[stats.EventID] = &cp
	return nil
}

// GetAuthorStats returns copies of the rows that exist for pubkeys.
func (s *Store) GetAuthorStats(ctx context.Context, pubkeys []string) (map[string]*storage.AuthorStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*storage.AuthorStats, len(pubkeys))
	for _, pk := range pubkeys {
		if row, ok := s.authorStats[pk]; ok {
			cp := *row
			out[pk] = &cp
		}
	}
	return out, nil
}

// GetEventStats returns copies of the rows that exist for ids.
func (s *Store) GetEventStats(ctx context.Context, eventIDs []string) (map[string]*storage.EventStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*storage.EventStats, len(eventIDs))
	for _, id := range eventIDs {
		row, ok := s.eventStats[id]
		if !ok {
			continue
		}
		cp := *row
		cp.Reactions = make(map[string]int64, len(row.Reactions))
		for k, v := range row.Reactions {
			cp.Reactions[k] = v
		}
		out[id] = &cp
	}
	return out, nil
}

func clampAuthor(row *storage.AuthorStats) {
	if row.FollowersCount < 0 {
		row.FollowersCount = 0
	}
	if row.NotesCount < 0 {
		row.NotesCount = 0
	}
}

func clampEvent(row *storage.EventStats) {
	if row.RepliesCount < 0 {
		row.RepliesCount = 0
	}
	if row.RepostsCount < 0 {
		row.RepostsCount = 0
	}
	if row.QuotesCount < 0 {
		row.QuotesCount = 0
	}
	if row.ZapsAmount < 0 {
		row.ZapsAmount = 0
	}
	if row.ZapsAmountCashu < 0 {
		row.ZapsAmountCashu = 0
	}
}
