// Package trends computes cached engagement rankings over a rolling window.
// Rankings are rebuilt wholesale by scheduled jobs; readers only ever see
// a complete ranking.
package trends

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/nips/nip57"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Kind names one ranking.
type Kind string

const (
	Events   Kind = "events"
	Hashtags Kind = "hashtags"
	Links    Kind = "links"
	Pubkeys  Kind = "pubkeys"
	Zapped   Kind = "zapped"
)

// Kinds lists every ranking in refresh order.
var Kinds = []Kind{Events, Hashtags, Links, Pubkeys, Zapped}

// ParseKind returns the ranking named s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown trend %q", s)
}

// Entry is one ranked item. Key is an event id, tag value or pubkey.
type Entry struct {
	Key     string `json:"key"`
	Score   int64  `json:"score"`
	Authors int    `json:"authors,omitempty"`
	Uses    int    `json:"uses,omitempty"`
}

// Ranking is a complete result for one Kind.
type Ranking struct {
	Kind       Kind      `json:"kind"`
	Entries    []Entry   `json:"entries"`
	ComputedAt time.Time `json:"computed_at"`
}

// Score weighs an event's engagement. Reposts count double.
func Score(st *storage.EventStats) int64 {
	if st == nil {
		return 0
	}
	return 2*st.RepostsCount + st.RepliesCount + st.ReactionsCount()
}

// Options configures an Aggregator. Zero values use the defaults.
type Options struct {
	Window     time.Duration
	MinAuthors int
	Limit      int
	Log        zerolog.Logger
}

// Aggregator owns the cached rankings.
type Aggregator struct {
	store    storage.Backend
	opts     Options
	now      func() time.Time
	rankings map[Kind]*atomic.Pointer[Ranking]
	log      zerolog.Logger
}

// New creates an aggregator with empty rankings.
func New(store storage.Backend, opts Options) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.MinAuthors <= 0 {
		opts.MinAuthors = 3
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	a := &Aggregator{
		store:    store,
		opts:     opts,
		now:      time.Now,
		rankings: make(map[Kind]*atomic.Pointer[Ranking], len(Kinds)),
		log:      opts.Log.With().Str("component", "trends").Logger(),
	}
	for _, k := range Kinds {
		a.rankings[k] = new(atomic.Pointer[Ranking])
	}
	return a
}

// Get returns the cached ranking. Before the first refresh it is empty.
func (a *Aggregator) Get(kind Kind) Ranking {
	p, ok := a.rankings[kind]
	if !ok {
		return Ranking{Kind: kind}
	}
	if r := p.Load(); r != nil {
		return *r
	}
	return Ranking{Kind: kind}
}

// Refresh recomputes one ranking and swaps it in. On error the previous
// ranking stays.
func (a *Aggregator) Refresh(ctx context.Context, kind Kind) error {
	p, ok := a.rankings[kind]
	if !ok {
		return fmt.Errorf("unknown trend %q", kind)
	}

	now := a.now()
	since := now.Add(-a.opts.Window).Unix()

	var (
		entries []Entry
		err     error
	)
	switch kind {
	case Events:
		entries, err = a.events(ctx, since)
	case Hashtags:
		entries, err = a.tagValues(ctx, since, "t", strings.ToLower)
	case Links:
		entries, err = a.tagValues(ctx, since, "r", nil)
	case Pubkeys:
		entries, err = a.tagValues(ctx, since, "p", nil)
	case Zapped:
		entries, err = a.zapped(ctx, since)
	}
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", kind, err)
	}

	if len(entries) > a.opts.Limit {
		entries = entries[:a.opts.Limit]
	}
	p.Store(&Ranking{Kind: kind, Entries: entries, ComputedAt: now})
	a.log.Debug().Str("trend", string(kind)).Int("entries", len(entries)).Msg("ranking refreshed")
	return nil
}

// RefreshAll recomputes every ranking concurrently.
func (a *Aggregator) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, k := range Kinds {
		g.Go(func() error { return a.Refresh(ctx, k) })
	}
	return g.Wait()
}

func (a *Aggregator) events(ctx context.Context, since int64) ([]Entry, error) {
	notes, err := a.store.QueryEvents(ctx, []*event.Filter{{
		Kinds: []int{event.KindNote},
		Since: &since,
	}})
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, nil
	}

	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}
	rows, err := a.store.GetEventStats(ctx, ids)
	if err != nil {
		return nil, err
	}

	// notes arrive newest first; the stable sort keeps that as tie-break
	var entries []Entry
	for _, n := range notes {
		if s := Score(rows[n.ID]); s > 0 {
			entries = append(entries, Entry{Key: n.ID, Score: s})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})
	return entries, nil
}

// tagValues ranks the values of one tag on notes by distinct authors,
// then by raw use count.
func (a *Aggregator) tagValues(ctx context.Context, since int64, name string, normalize func(string) string) ([]Entry, error) {
	notes, err := a.store.QueryEvents(ctx, []*event.Filter{{
		Kinds: []int{event.KindNote},
		Since: &since,
	}})
	if err != nil {
		return nil, err
	}

	type tally struct {
		authors map[string]struct{}
		uses    int
	}
	tallies := make(map[string]*tally)
	for _, n := range notes {
		seen := make(map[string]struct{})
		for _, v := range n.Tags.Values(name) {
			if normalize != nil {
				v = normalize(v)
			}
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			t, ok := tallies[v]
			if !ok {
				t = &tally{authors: make(map[string]struct{})}
				tallies[v] = t
			}
			t.authors[n.PubKey] = struct{}{}
			t.uses++
		}
	}

	var entries []Entry
	for v, t := range tallies {
		if len(t.authors) < a.opts.MinAuthors {
			continue
		}
		entries = append(entries, Entry{
			Key:     v,
			Score:   int64(len(t.authors)),
			Authors: len(t.authors),
			Uses:    t.uses,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Uses != entries[j].Uses {
			return entries[i].Uses > entries[j].Uses
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// zapped ranks events by the sats zapped to them inside the window.
func (a *Aggregator) zapped(ctx context.Context, since int64) ([]Entry, error) {
	receipts, err := a.store.QueryEvents(ctx, []*event.Filter{{
		Kinds: []int{event.KindZapReceipt},
		Since: &since,
	}})
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int64)
	senders := make(map[string]map[string]struct{})
	for _, r := range receipts {
		id, ok := nip57.Target(r)
		if !ok {
			continue
		}
		sats := nip57.AmountSats(r)
		if sats <= 0 {
			continue
		}
		totals[id] += sats
		if pk, ok := nip57.Sender(r); ok {
			if senders[id] == nil {
				senders[id] = make(map[string]struct{})
			}
			senders[id][pk] = struct{}{}
		}
	}

	entries := make([]Entry, 0, len(totals))
	for id, total := range totals {
		entries = append(entries, Entry{Key: id, Score: total, Authors: len(senders[id])})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}
