// Package stats maintains the AuthorStats and EventStats aggregates: an
// incremental updater run by the pipeline, and a recompute path that
// rebuilds rows from the stored events.
package stats

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/nips/nip02"
	"github.com/paul/grapevine/pkg/nips/nip09"
	"github.com/paul/grapevine/pkg/nips/nip10"
	"github.com/paul/grapevine/pkg/nips/nip18"
	"github.com/paul/grapevine/pkg/nips/nip22"
	"github.com/paul/grapevine/pkg/nips/nip25"
	"github.com/paul/grapevine/pkg/nips/nip57"
	"github.com/paul/grapevine/pkg/nips/nip61"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
)

// Engagement returns the EventStats deltas evt contributes to the events
// it targets, keyed by target id. Self references are ignored.
func Engagement(evt *event.Event) map[string]storage.EventStatsDelta {
	out := make(map[string]storage.EventStatsDelta)
	add := func(id string, f func(d *storage.EventStatsDelta)) {
		if !isID(id) || id == evt.ID {
			return
		}
		d := out[id]
		f(&d)
		out[id] = d
	}

	switch evt.Kind {
	case event.KindNote:
		add(nip10.Parent(evt), func(d *storage.EventStatsDelta) { d.Replies++ })
	case event.KindComment:
		if id, ok := nip22.Parent(evt); ok {
			add(id, func(d *storage.EventStatsDelta) { d.Replies++ })
		}
	case event.KindRepost, event.KindGenericRepost:
		if id, ok := nip18.RepostTarget(evt); ok {
			add(id, func(d *storage.EventStatsDelta) { d.Reposts++ })
		}
	case event.KindReaction:
		if id, ok := nip25.Target(evt); ok {
			symbol := nip25.Symbol(evt)
			add(id, func(d *storage.EventStatsDelta) {
				if d.Reactions == nil {
					d.Reactions = make(map[string]int64)
				}
				d.Reactions[symbol]++
			})
		}
	case event.KindZapReceipt:
		if id, ok := nip57.Target(evt); ok {
			if sats := nip57.AmountSats(evt); sats > 0 {
				add(id, func(d *storage.EventStatsDelta) { d.Zaps += sats })
			}
		}
	case event.KindNutzap:
		if id, ok := nip61.Target(evt); ok {
			if amount := nip61.Amount(evt); amount > 0 {
				add(id, func(d *storage.EventStatsDelta) { d.ZapsCashu += amount })
			}
		}
	}

	if evt.Kind == event.KindNote || evt.Kind == event.KindComment {
		seen := make(map[string]struct{})
		for _, id := range nip18.QuoteTargets(evt) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			add(id, func(d *storage.EventStatsDelta) { d.Quotes++ })
		}
	}

	for id, d := range out {
		if d.IsZero() {
			delete(out, id)
		}
	}
	return out
}

// Updater applies the incremental stats of newly stored events. Apply is
// best-effort: a failure leaves rows stale until the next recompute.
type Updater struct {
	store storage.Backend
	log   zerolog.Logger
}

// NewUpdater creates an updater over the base store.
func NewUpdater(store storage.Backend, log zerolog.Logger) *Updater {
	return &Updater{
		store: store,
		log:   log.With().Str("component", "stats").Logger(),
	}
}

// Apply updates every row evt affects. It expects evt to be stored already.
func (u *Updater) Apply(ctx context.Context, evt *event.Event) error {
	var errs []error

	switch evt.Kind {
	case event.KindNote:
		if err := u.store.ApplyAuthorStats(ctx, evt.PubKey, storage.AuthorStatsDelta{Notes: 1}); err != nil {
			errs = append(errs, err)
		}
	case event.KindFollowList:
		if err := u.applyFollows(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	case event.KindDeletion:
		if err := u.applyDeletion(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}

	if err := u.applyEngagement(ctx, Engagement(evt)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (u *Updater) applyEngagement(ctx context.Context, deltas map[string]storage.EventStatsDelta) error {
	var errs []error
	for id, d := range deltas {
		if err := u.store.ApplyEventStats(ctx, id, d); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// applyFollows diffs evt against the author's previous follow list. A list
// that is not the author's newest changes nothing.
func (u *Updater) applyFollows(ctx context.Context, evt *event.Event) error {
	limit := 2
	lists, err := u.store.QueryEvents(ctx, []*event.Filter{{
		Authors: []string{evt.PubKey},
		Kinds:   []int{event.KindFollowList},
		Limit:   &limit,
	}})
	if err != nil {
		return fmt.Errorf("failed to load follow lists: %w", err)
	}
	if len(lists) == 0 || lists[0].ID != evt.ID {
		return nil
	}
	var prev *event.Event
	if len(lists) > 1 {
		prev = lists[1]
	}

	following := int64(len(nip02.Follows(evt)))
	var errs []error
	if err := u.store.ApplyAuthorStats(ctx, evt.PubKey, storage.AuthorStatsDelta{FollowingCount: &following}); err != nil {
		errs = append(errs, err)
	}

	added, removed := nip02.Diff(prev, evt)
	for _, pk := range added {
		if err := u.store.ApplyAuthorStats(ctx, pk, storage.AuthorStatsDelta{Followers: 1}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pk := range removed {
		if err := u.store.ApplyAuthorStats(ctx, pk, storage.AuthorStatsDelta{Followers: -1}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyDeletion reverses the engagement of each event evt deletes. A
// target deleted by an earlier request is not reversed twice.
func (u *Updater) applyDeletion(ctx context.Context, evt *event.Event) error {
	var errs []error
	for _, id := range nip09.Targets(evt) {
		target, err := u.store.GetRawEvent(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !nip09.Authorizes(evt, target) {
			continue
		}

		n, err := u.store.CountEvents(ctx, []*event.Filter{{
			Authors: []string{evt.PubKey},
			Kinds:   []int{event.KindDeletion},
			Tags:    map[string][]string{"e": {id}},
		}})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 1 {
			continue
		}

		u.log.Debug().Str("id", id).Str("deletion", evt.ID).Msg("reversing engagement")
		reversed := make(map[string]storage.EventStatsDelta)
		for tid, d := range Engagement(target) {
			reversed[tid] = d.Negate()
		}
		if err := u.applyEngagement(ctx, reversed); err != nil {
			errs = append(errs, err)
		}
		if target.Kind == event.KindNote {
			if err := u.store.ApplyAuthorStats(ctx, target.PubKey, storage.AuthorStatsDelta{Notes: -1}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func isID(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
