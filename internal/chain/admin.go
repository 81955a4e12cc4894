package chain

import (
	"context"
	"fmt"

	"github.com/paul/grapevine/internal/cache"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
)

// DisabledMarker is the n tag value of a grant that disables its target.
const DisabledMarker = "disabled"

// AdminFilter hides events by authors an admin has disabled. A grant is a
// moderation-grant event by an admin whose d tag names the target; the
// newest grant per target decides.
type AdminFilter struct {
	storage.Store
	grants storage.Store
	admins map[string]struct{}
	cache  *cache.TTL[bool]
}

// NewAdminFilter wraps inner. Grants are read from grants.
func NewAdminFilter(inner, grants storage.Store, admins []string, c *cache.TTL[bool]) *AdminFilter {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &AdminFilter{Store: inner, grants: grants, admins: set, cache: c}
}

// SaveEvent stores evt and drops the cached decision a new grant changes.
func (a *AdminFilter) SaveEvent(ctx context.Context, evt *event.Event) error {
	if err := a.Store.SaveEvent(ctx, evt); err != nil {
		return err
	}
	if evt.Kind == event.KindModerationGrant && a.isAdmin(evt.PubKey) {
		if target, ok := evt.Tags.Value("d"); ok {
			a.cache.Delete(target)
		}
	}
	return nil
}

// QueryEvents drops events whose author is disabled.
func (a *AdminFilter) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	events, err := a.Store.QueryEvents(ctx, filters)
	if err != nil || len(a.admins) == 0 || len(events) == 0 {
		return events, err
	}

	authors := make([]string, 0, len(events))
	seen := make(map[string]struct{})
	for _, e := range events {
		if _, ok := seen[e.PubKey]; !ok {
			seen[e.PubKey] = struct{}{}
			authors = append(authors, e.PubKey)
		}
	}
	disabled, err := a.Disabled(ctx, authors)
	if err != nil {
		return nil, err
	}
	if len(disabled) == 0 {
		return events, nil
	}
	return keep(events, func(e *event.Event) bool {
		_, off := disabled[e.PubKey]
		return off
	}), nil
}

// CountEvents counts what QueryEvents would return.
func (a *AdminFilter) CountEvents(ctx context.Context, filters []*event.Filter) (int64, error) {
	if len(a.admins) == 0 {
		return a.Store.CountEvents(ctx, filters)
	}
	return countByQuery(ctx, a, filters)
}

// Disabled returns the subset of pubkeys that are disabled. Cache misses
// are resolved with one query.
func (a *AdminFilter) Disabled(ctx context.Context, pubkeys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	var missing []string
	for _, pk := range pubkeys {
		off, ok := a.cache.Get(pk)
		switch {
		case !ok:
			missing = append(missing, pk)
		case off:
			out[pk] = struct{}{}
		}
	}
	if len(missing) == 0 || len(a.admins) == 0 {
		return out, nil
	}

	admins := make([]string, 0, len(a.admins))
	for pk := range a.admins {
		admins = append(admins, pk)
	}
	grants, err := a.grants.QueryEvents(ctx, []*event.Filter{{
		Authors: admins,
		Kinds:   []int{event.KindModerationGrant},
		Tags:    map[string][]string{"d": missing},
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to load moderation grants: %w", err)
	}

	decided := make(map[string]bool, len(missing))
	for _, g := range grants {
		target, ok := g.Tags.Value("d")
		if !ok {
			continue
		}
		if _, done := decided[target]; done {
			continue
		}
		decided[target] = g.Tags.Has("n", DisabledMarker)
	}
	for _, pk := range missing {
		off := decided[pk]
		a.cache.Set(pk, off)
		if off {
			out[pk] = struct{}{}
		}
	}
	return out, nil
}

func (a *AdminFilter) isAdmin(pk string) bool {
	_, ok := a.admins[pk]
	return ok
}
