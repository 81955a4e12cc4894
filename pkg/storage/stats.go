package storage

import "context"

// AuthorStats is the aggregate row kept per author pubkey.
type AuthorStats struct {
	PubKey         string `json:"pubkey"`
	FollowersCount int64  `json:"followers_count"`
	FollowingCount int64  `json:"following_count"`
	NotesCount     int64  `json:"notes_count"`
	StreakStart    *int64 `json:"streak_start,omitempty"`
	StreakEnd      *int64 `json:"streak_end,omitempty"`
	// Search is a denormalized lower-cased name/nip05 string from the
	// author's profile, used for lookups.
	Search string `json:"-"`
}

// EventStats is the aggregate row kept per event id.
type EventStats struct {
	EventID         string           `json:"event_id"`
	RepliesCount    int64            `json:"replies_count"`
	RepostsCount    int64            `json:"reposts_count"`
	QuotesCount     int64            `json:"quotes_count"`
	Reactions       map[string]int64 `json:"reactions"`
	ZapsAmount      int64            `json:"zaps_amount"`
	ZapsAmountCashu int64            `json:"zaps_amount_cashu"`
}

// ReactionsCount sums all reaction symbols.
func (s *EventStats) ReactionsCount() int64 {
	var n int64
	for _, c := range s.Reactions {
		n += c
	}
	return n
}

// AuthorStatsDelta is an increment applied to one AuthorStats row.
// FollowingCount, when set, overwrites instead of incrementing.
type AuthorStatsDelta struct {
	Followers      int64
	Notes          int64
	FollowingCount *int64
}

// IsZero reports whether the delta changes nothing.
func (d AuthorStatsDelta) IsZero() bool {
	return d.Followers == 0 && d.Notes == 0 && d.FollowingCount == nil
}

// EventStatsDelta is an increment applied to one EventStats row.
type EventStatsDelta struct {
	Replies   int64
	Reposts   int64
	Quotes    int64
	Reactions map[string]int64
	Zaps      int64
	ZapsCashu int64
}

// IsZero reports whether the delta changes nothing.
func (d EventStatsDelta) IsZero() bool {
	if d.Replies != 0 || d.Reposts != 0 || d.Quotes != 0 || d.Zaps != 0 || d.ZapsCashu != 0 {
		return false
	}
	for _, n := range d.Reactions {
		if n != 0 {
			return false
		}
	}
	return true
}

// Negate returns the delta that undoes d.
func (d EventStatsDelta) Negate() EventStatsDelta {
	out := EventStatsDelta{
		Replies:   -d.Replies,
		Reposts:   -d.Reposts,
		Quotes:    -d.Quotes,
		Zaps:      -d.Zaps,
		ZapsCashu: -d.ZapsCashu,
	}
	if len(d.Reactions) > 0 {
		out.Reactions = make(map[string]int64, len(d.Reactions))
		for k, v := range d.Reactions {
			out.Reactions[k] = -v
		}
	}
	return out
}

// StatsStore persists the derived aggregate rows. Apply methods are
// conflict-tolerant upserts; Put methods overwrite a row wholesale and
// back the recompute path.
type StatsStore interface {
	ApplyAuthorStats(ctx context.Context, pubkey string, delta AuthorStatsDelta) error
	ApplyEventStats(ctx context.Context, eventID string, delta EventStatsDelta) error
	PutAuthorStats(ctx context.Context, stats *AuthorStats) error
	PutEventStats(ctx context.Context, stats *EventStats) error
	GetAuthorStats(ctx context.Context, pubkeys []string) (map[string]*AuthorStats, error)
	GetEventStats(ctx context.Context, eventIDs []string) (map[string]*EventStats, error)
}
