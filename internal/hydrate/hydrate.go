// Package hydrate assembles rich views from flat stored events. Each
// relation is fetched with one batched query for all seeds, so the number
// of store round trips does not grow with the number of events.
package hydrate

import (
	"context"

	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/nips/nip18"
	"github.com/paul/grapevine/pkg/nips/nip25"
	"github.com/paul/grapevine/pkg/nips/nip57"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Relation names one derived field of a View.
type Relation string

const (
	Author      Relation = "author"
	AuthorStats Relation = "author_stats"
	EventStats  Relation = "event_stats"
	Mentions    Relation = "mentions"
	Repost      Relation = "repost"
	Quote       Relation = "quote"
	Reacted     Relation = "reacted"
	Zapped      Relation = "zapped"
	ZapSender   Relation = "zap_sender"
)

// All is every relation.
var All = []Relation{Author, AuthorStats, EventStats, Mentions, Repost, Quote, Reacted, Zapped, ZapSender}

// View is an event with its relations attached. Unset fields mean the
// relation was not requested or not found.
type View struct {
	Event       *event.Event         `json:"event"`
	Author      *event.Event         `json:"author,omitempty"`
	AuthorStats *storage.AuthorStats `json:"author_stats,omitempty"`
	EventStats  *storage.EventStats  `json:"event_stats,omitempty"`
	Mentions    []*Mention           `json:"mentions,omitempty"`
	Repost      *View                `json:"repost,omitempty"`
	Quote       *View                `json:"quote,omitempty"`
	Reacted     *View                `json:"reacted,omitempty"`
	Zapped      *View                `json:"zapped,omitempty"`
	ZapSender   *event.Event         `json:"zap_sender,omitempty"`
}

// Mention is a profile referenced by a p tag.
type Mention struct {
	PubKey  string               `json:"pubkey"`
	Profile *event.Event         `json:"profile"`
	Stats   *storage.AuthorStats `json:"stats,omitempty"`
}

// Hydrator reads events through store and aggregates through stats. It
// never writes and keeps no state between calls.
type Hydrator struct {
	store storage.Store
	stats storage.StatsStore
	log   zerolog.Logger
}

// New creates a hydrator.
func New(store storage.Store, stats storage.StatsStore, log zerolog.Logger) *Hydrator {
	return &Hydrator{
		store: store,
		stats: stats,
		log:   log.With().Str("component", "hydrate").Logger(),
	}
}

// refs holds the keys each relation needs, collected from the seeds.
type refs struct {
	authors  []string
	ids      []string
	mentions []string
	senders  []string
	repost   map[string]string
	quote    map[string]string
	reacted  map[string]string
	zapped   map[string]string
	sender   map[string]string
}

func collect(seeds []*event.Event) refs {
	r := refs{
		repost:  make(map[string]string),
		quote:   make(map[string]string),
		reacted: make(map[string]string),
		zapped:  make(map[string]string),
		sender:  make(map[string]string),
	}
	authors := newSet()
	mentions := newSet()
	senders := newSet()
	for _, s := range seeds {
		authors.add(s.PubKey)
		r.ids = append(r.ids, s.ID)
		if id, ok := nip18.RepostTarget(s); ok {
			r.repost[s.ID] = id
		}
		if s.Kind == event.KindNote || s.Kind == event.KindComment {
			if qs := nip18.QuoteTargets(s); len(qs) > 0 {
				r.quote[s.ID] = qs[0]
			}
			for _, pk := range s.Tags.Values("p") {
				mentions.add(pk)
			}
		}
		if id, ok := nip25.Target(s); ok {
			r.reacted[s.ID] = id
		}
		if id, ok := nip57.Target(s); ok {
			r.zapped[s.ID] = id
		}
		if pk, ok := nip57.Sender(s); ok {
			r.sender[s.ID] = pk
			senders.add(pk)
		}
	}
	r.authors = authors.list
	r.mentions = mentions.list
	r.senders = senders.list
	return r
}

// fetched holds stage one results. Each map is written by one goroutine.
type fetched struct {
	profiles     map[string]*event.Event
	authorStats  map[string]*storage.AuthorStats
	eventStats   map[string]*storage.EventStats
	mentions     map[string]*event.Event
	senders      map[string]*event.Event
	repost       map[string]*event.Event
	quote        map[string]*event.Event
	reacted      map[string]*event.Event
	zapped       map[string]*event.Event
	nestedAuthor map[string]*event.Event
	nestedStats  map[string]*storage.AuthorStats
	nestedEvents map[string]*storage.EventStats
}

// Hydrate builds one View per seed, in seed order. Only ctx cancellation
// fails the call; a failed relation is logged and left unset.
func (h *Hydrator) Hydrate(ctx context.Context, seeds []*event.Event, rels ...Relation) ([]*View, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	if len(rels) == 0 {
		rels = All
	}
	want := make(map[Relation]bool, len(rels))
	for _, r := range rels {
		want[r] = true
	}
	r := collect(seeds)
	var f fetched

	// stage one: relations that only need the seeds
	g, gctx := errgroup.WithContext(ctx)
	h.spawn(gctx, g, want[Author], Author, func() (err error) {
		f.profiles, err = h.profiles(gctx, r.authors)
		return err
	})
	h.spawn(gctx, g, want[AuthorStats], AuthorStats, func() (err error) {
		f.authorStats, err = h.stats.GetAuthorStats(gctx, r.authors)
		return err
	})
	h.spawn(gctx, g, want[EventStats], EventStats, func() (err error) {
		f.eventStats, err = h.stats.GetEventStats(gctx, r.ids)
		return err
	})
	h.spawn(gctx, g, want[Mentions] && len(r.mentions) > 0, Mentions, func() (err error) {
		f.mentions, err = h.profiles(gctx, r.mentions)
		return err
	})
	h.spawn(gctx, g, want[ZapSender] && len(r.senders) > 0, ZapSender, func() (err error) {
		f.senders, err = h.profiles(gctx, r.senders)
		return err
	})
	h.spawn(gctx, g, want[Repost] && len(r.repost) > 0, Repost, func() (err error) {
		f.repost, err = h.events(gctx, values(r.repost))
		return err
	})
	h.spawn(gctx, g, want[Quote] && len(r.quote) > 0, Quote, func() (err error) {
		f.quote, err = h.events(gctx, values(r.quote))
		return err
	})
	h.spawn(gctx, g, want[Reacted] && len(r.reacted) > 0, Reacted, func() (err error) {
		f.reacted, err = h.events(gctx, values(r.reacted))
		return err
	})
	h.spawn(gctx, g, want[Zapped] && len(r.zapped) > 0, Zapped, func() (err error) {
		f.zapped, err = h.events(gctx, values(r.zapped))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if want[Repost] {
		h.embeddedReposts(seeds, r, &f)
	}

	// stage two: authors and stats of the events and profiles stage one found
	nestedAuthors := newSet()
	nestedIDs := newSet()
	for _, m := range []map[string]*event.Event{f.repost, f.quote, f.reacted, f.zapped} {
		for _, e := range m {
			nestedAuthors.add(e.PubKey)
			nestedIDs.add(e.ID)
		}
	}
	statKeys := newSet()
	for _, pk := range nestedAuthors.list {
		statKeys.add(pk)
	}
	for pk := range f.mentions {
		statKeys.add(pk)
	}

	g, gctx = errgroup.WithContext(ctx)
	h.spawn(gctx, g, len(nestedAuthors.list) > 0, Author, func() (err error) {
		f.nestedAuthor, err = h.profiles(gctx, nestedAuthors.list)
		return err
	})
	h.spawn(gctx, g, len(statKeys.list) > 0, AuthorStats, func() (err error) {
		f.nestedStats, err = h.stats.GetAuthorStats(gctx, statKeys.list)
		return err
	})
	h.spawn(gctx, g, len(nestedIDs.list) > 0, EventStats, func() (err error) {
		f.nestedEvents, err = h.stats.GetEventStats(gctx, nestedIDs.list)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	views := make([]*View, len(seeds))
	for i, s := range seeds {
		views[i] = f.view(s, r)
	}
	return views, nil
}

// spawn runs fn in g when enabled. Errors other than cancellation are
// logged and swallowed.
func (h *Hydrator) spawn(ctx context.Context, g *errgroup.Group, enabled bool, rel Relation, fn func() error) {
	if !enabled {
		return
	}
	g.Go(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.log.Warn().Err(err).Str("relation", string(rel)).Msg("relation failed")
		return nil
	})
}

// embeddedReposts fills repost targets missing from the store with the
// copy carried in the repost's content, when that copy verifies.
func (h *Hydrator) embeddedReposts(seeds []*event.Event, r refs, f *fetched) {
	for _, s := range seeds {
		id, ok := r.repost[s.ID]
		if !ok {
			continue
		}
		if _, found := f.repost[id]; found {
			continue
		}
		inner, ok := nip18.EmbeddedRepost(s)
		if !ok || inner.Validate() != nil {
			continue
		}
		if f.repost == nil {
			f.repost = make(map[string]*event.Event)
		}
		f.repost[id] = inner
	}
}

func (f *fetched) view(s *event.Event, r refs) *View {
	v := &View{
		Event:       s,
		Author:      f.profiles[s.PubKey],
		AuthorStats: f.authorStats[s.PubKey],
		EventStats:  f.eventStats[s.ID],
	}
	v.Repost = f.nested(f.repost, r.repost[s.ID])
	v.Quote = f.nested(f.quote, r.quote[s.ID])
	v.Reacted = f.nested(f.reacted, r.reacted[s.ID])
	v.Zapped = f.nested(f.zapped, r.zapped[s.ID])
	if pk, ok := r.sender[s.ID]; ok {
		v.ZapSender = f.senders[pk]
	}
	if len(f.mentions) > 0 {
		seen := newSet()
		for _, pk := range s.Tags.Values("p") {
			profile, ok := f.mentions[pk]
			if !ok || !seen.add(pk) {
				continue
			}
			v.Mentions = append(v.Mentions, &Mention{PubKey: pk, Profile: profile, Stats: f.nestedStats[pk]})
		}
	}
	return v
}

func (f *fetched) nested(targets map[string]*event.Event, id string) *View {
	if id == "" {
		return nil
	}
	e, ok := targets[id]
	if !ok {
		return nil
	}
	return &View{
		Event:       e,
		Author:      f.nestedAuthor[e.PubKey],
		AuthorStats: f.nestedStats[e.PubKey],
		EventStats:  f.nestedEvents[e.ID],
	}
}

// profiles loads the newest profile of each pubkey in one query.
func (h *Hydrator) profiles(ctx context.Context, pubkeys []string) (map[string]*event.Event, error) {
	events, err := h.store.QueryEvents(ctx, []*event.Filter{{
		Authors: pubkeys,
		Kinds:   []int{event.KindProfile},
	}})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*event.Event, len(pubkeys))
	for _, e := range events {
		if _, ok := out[e.PubKey]; !ok {
			out[e.PubKey] = e
		}
	}
	return out, nil
}

// events loads events by id in one query.
func (h *Hydrator) events(ctx context.Context, ids []string) (map[string]*event.Event, error) {
	events, err := h.store.QueryEvents(ctx, []*event.Filter{{IDs: ids}})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*event.Event, len(events))
	for _, e := range events {
		out[e.ID] = e
	}
	return out, nil
}

type set struct {
	seen map[string]struct{}
	list []string
}

func newSet() *set {
	return &set{seen: make(map[string]struct{})}
}

// add reports whether v was new.
func (s *set) add(v string) bool {
	if _, ok := s.seen[v]; ok {
		return false
	}
	s.seen[v] = struct{}{}
	s.list = append(s.list, v)
	return true
}

func values(m map[string]string) []string {
	s := newSet()
	for _, v := range m {
		s.add(v)
	}
	return s.list
}
