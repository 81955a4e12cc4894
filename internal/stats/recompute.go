package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/nips/nip02"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	streakPage       = 500
	recomputeWorkers = 8
)

// engagementKinds are the kinds Engagement credits to other events.
var engagementKinds = []int{
	event.KindNote,
	event.KindComment,
	event.KindRepost,
	event.KindGenericRepost,
	event.KindReaction,
	event.KindZapReceipt,
	event.KindNutzap,
}

// Recomputer rebuilds stats rows from the stored events. It is the repair
// path for increments the Updater missed.
type Recomputer struct {
	store       storage.Backend
	streakKinds []int
	now         func() time.Time
	log         zerolog.Logger
}

// NewRecomputer creates a recomputer. streakKinds are the kinds that count
// toward a posting streak; empty means notes only.
func NewRecomputer(store storage.Backend, streakKinds []int, log zerolog.Logger) *Recomputer {
	if len(streakKinds) == 0 {
		streakKinds = []int{event.KindNote}
	}
	return &Recomputer{
		store:       store,
		streakKinds: streakKinds,
		now:         time.Now,
		log:         log.With().Str("component", "recompute").Logger(),
	}
}

// Recompute overwrites the AuthorStats rows of pubkeys.
func (r *Recomputer) Recompute(ctx context.Context, pubkeys []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeWorkers)
	for _, pk := range pubkeys {
		g.Go(func() error {
			st, err := r.AuthorStats(ctx, pk)
			if err != nil {
				return fmt.Errorf("author %s: %w", pk, err)
			}
			if err := r.store.PutAuthorStats(ctx, st); err != nil {
				return fmt.Errorf("author %s: %w", pk, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RecomputeEvents overwrites the EventStats rows of ids.
func (r *Recomputer) RecomputeEvents(ctx context.Context, ids []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(recomputeWorkers)
	for _, id := range ids {
		g.Go(func() error {
			st, err := r.EventStats(ctx, id)
			if err != nil {
				return fmt.Errorf("event %s: %w", id, err)
			}
			if err := r.store.PutEventStats(ctx, st); err != nil {
				return fmt.Errorf("event %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RecomputeSince rebuilds the rows touched by events created after since:
// their authors, the events themselves and everything they target.
func (r *Recomputer) RecomputeSince(ctx context.Context, since time.Time) error {
	ts := since.Unix()
	events, err := r.store.QueryEvents(ctx, []*event.Filter{{Since: &ts}})
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}

	authors := make(map[string]struct{})
	ids := make(map[string]struct{})
	for _, evt := range events {
		authors[evt.PubKey] = struct{}{}
		ids[evt.ID] = struct{}{}
		for id := range Engagement(evt) {
			ids[id] = struct{}{}
		}
		if evt.Kind == event.KindFollowList {
			for _, pk := range nip02.Follows(evt) {
				authors[pk] = struct{}{}
			}
		}
	}

	r.log.Info().Int("events", len(events)).Int("authors", len(authors)).Int("targets", len(ids)).Msg("recomputing stats")
	if err := r.Recompute(ctx, keys(authors)); err != nil {
		return err
	}
	return r.RecomputeEvents(ctx, keys(ids))
}

// RefreshStreaks recomputes the authors that posted a qualifying event in
// the last two streak gaps. That covers every streak that is active or
// ended since the previous run.
func (r *Recomputer) RefreshStreaks(ctx context.Context) error {
	since := r.now().Unix() - 2*StreakGap
	authors, err := ActiveAuthors(ctx, r.store, r.streakKinds, since)
	if err != nil {
		return err
	}
	r.log.Debug().Int("authors", len(authors)).Msg("refreshing streaks")
	return r.Recompute(ctx, authors)
}

// AuthorStats computes one author's row from scratch.
func (r *Recomputer) AuthorStats(ctx context.Context, pubkey string) (*storage.AuthorStats, error) {
	st := &storage.AuthorStats{PubKey: pubkey}

	notes, err := r.store.CountEvents(ctx, []*event.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{event.KindNote},
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to count notes: %w", err)
	}
	st.NotesCount = notes

	if list, err := r.newest(ctx, pubkey, event.KindFollowList); err != nil {
		return nil, err
	} else if list != nil {
		st.FollowingCount = int64(len(nip02.Follows(list)))
	}

	followers, err := r.followers(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	st.FollowersCount = followers

	start, end, ok, err := r.streak(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if ok {
		st.StreakStart, st.StreakEnd = &start, &end
	}

	if profile, err := r.newest(ctx, pubkey, event.KindProfile); err != nil {
		return nil, err
	} else if profile != nil {
		st.Search = SearchText(profile)
	}
	return st, nil
}

// EventStats computes one event's row from the events referencing it.
func (r *Recomputer) EventStats(ctx context.Context, id string) (*storage.EventStats, error) {
	refs, err := r.store.QueryEvents(ctx, []*event.Filter{
		{Kinds: engagementKinds, Tags: map[string][]string{"e": {id}}},
		{Kinds: engagementKinds, Tags: map[string][]string{"E": {id}}},
		{Kinds: engagementKinds, Tags: map[string][]string{"q": {id}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load references: %w", err)
	}

	st := &storage.EventStats{EventID: id, Reactions: make(map[string]int64)}
	for _, ref := range refs {
		d, ok := Engagement(ref)[id]
		if !ok {
			continue
		}
		st.RepliesCount += d.Replies
		st.RepostsCount += d.Reposts
		st.QuotesCount += d.Quotes
		st.ZapsAmount += d.Zaps
		st.ZapsAmountCashu += d.ZapsCashu
		for symbol, n := range d.Reactions {
			st.Reactions[symbol] += n
		}
	}
	return st, nil
}

// followers counts authors whose newest follow list contains pubkey.
func (r *Recomputer) followers(ctx context.Context, pubkey string) (int64, error) {
	lists, err := r.store.QueryEvents(ctx, []*event.Filter{{
		Kinds: []int{event.KindFollowList},
		Tags:  map[string][]string{"p": {pubkey}},
	}})
	if err != nil {
		return 0, fmt.Errorf("failed to load follower lists: %w", err)
	}
	if len(lists) == 0 {
		return 0, nil
	}

	authors := make(map[string]struct{}, len(lists))
	for _, l := range lists {
		authors[l.PubKey] = struct{}{}
	}
	all, err := r.store.QueryEvents(ctx, []*event.Filter{{
		Authors: keys(authors),
		Kinds:   []int{event.KindFollowList},
	}})
	if err != nil {
		return 0, fmt.Errorf("failed to load follow lists: %w", err)
	}

	var n int64
	seen := make(map[string]struct{}, len(authors))
	for _, l := range all {
		if _, ok := seen[l.PubKey]; ok {
			continue
		}
		seen[l.PubKey] = struct{}{}
		for _, pk := range nip02.Follows(l) {
			if pk == pubkey {
				n++
				break
			}
		}
	}
	return n, nil
}

// streak pages through the author's qualifying events newest first until
// the chain breaks.
func (r *Recomputer) streak(ctx context.Context, pubkey string) (start, end int64, ok bool, err error) {
	w := streakWalker{now: r.now().Unix()}
	limit := streakPage
	var until *int64
	for {
		page, err := r.store.QueryEvents(ctx, []*event.Filter{{
			Authors: []string{pubkey},
			Kinds:   r.streakKinds,
			Until:   until,
			Limit:   &limit,
		}})
		if err != nil {
			return 0, 0, false, fmt.Errorf("failed to load streak events: %w", err)
		}
		for _, evt := range page {
			if !w.add(evt.CreatedAt) {
				return w.start, w.end, w.active, nil
			}
		}
		if len(page) < limit {
			return w.start, w.end, w.active, nil
		}
		next := page[len(page)-1].CreatedAt - 1
		until = &next
	}
}

func (r *Recomputer) newest(ctx context.Context, pubkey string, kind int) (*event.Event, error) {
	limit := 1
	events, err := r.store.QueryEvents(ctx, []*event.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{kind},
		Limit:   &limit,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to load kind %d: %w", kind, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// ActiveAuthors returns the distinct authors of events of the given kinds
// created at or after since.
func ActiveAuthors(ctx context.Context, store storage.Store, kinds []int, since int64) ([]string, error) {
	events, err := store.QueryEvents(ctx, []*event.Filter{{Kinds: kinds, Since: &since}})
	if err != nil {
		return nil, fmt.Errorf("failed to load active authors: %w", err)
	}
	authors := make(map[string]struct{})
	for _, evt := range events {
		authors[evt.PubKey] = struct{}{}
	}
	return keys(authors), nil
}

// SearchText is the lower-cased lookup string kept on an author's row:
// the profile's name, display name and nip05 address.
func SearchText(profile *event.Event) string {
	if profile == nil || !gjson.Valid(profile.Content) {
		return ""
	}
	var parts []string
	for _, field := range []string{"name", "display_name", "nip05"} {
		if v := strings.TrimSpace(gjson.Get(profile.Content, field).String()); v != "" {
			parts = append(parts, strings.ToLower(v))
		}
	}
	return strings.Join(parts, " ")
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
