package chain

import (
	"context"
	"fmt"

	"github.com/paul/grapevine/internal/cache"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
)

// MuteFilter hides events by authors on the viewer's newest mute list.
// Reads without a viewer pass through.
type MuteFilter struct {
	storage.Store
	lists storage.Store
	cache *cache.TTL[[]string]
}

// NewMuteFilter wraps inner. Mute lists are read from lists.
func NewMuteFilter(inner, lists storage.Store, c *cache.TTL[[]string]) *MuteFilter {
	return &MuteFilter{Store: inner, lists: lists, cache: c}
}

// SaveEvent stores evt and drops the cached list a new mute list replaces.
func (m *MuteFilter) SaveEvent(ctx context.Context, evt *event.Event) error {
	if err := m.Store.SaveEvent(ctx, evt); err != nil {
		return err
	}
	if evt.Kind == event.KindMuteList {
		m.cache.Delete(evt.PubKey)
	}
	return nil
}

// QueryEvents drops events by authors the viewer muted.
func (m *MuteFilter) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	events, err := m.Store.QueryEvents(ctx, filters)
	viewer, ok := Viewer(ctx)
	if err != nil || !ok || len(events) == 0 {
		return events, err
	}

	muted, err := m.Muted(ctx, viewer)
	if err != nil {
		return nil, err
	}
	if len(muted) == 0 {
		return events, nil
	}
	set := make(map[string]struct{}, len(muted))
	for _, pk := range muted {
		set[pk] = struct{}{}
	}
	return keep(events, func(e *event.Event) bool {
		_, hide := set[e.PubKey]
		return hide
	}), nil
}

// CountEvents counts what QueryEvents would return.
func (m *MuteFilter) CountEvents(ctx context.Context, filters []*event.Filter) (int64, error) {
	if _, ok := Viewer(ctx); !ok {
		return m.Store.CountEvents(ctx, filters)
	}
	return countByQuery(ctx, m, filters)
}

// Muted returns the pubkeys on viewer's newest mute list.
func (m *MuteFilter) Muted(ctx context.Context, viewer string) ([]string, error) {
	if muted, ok := m.cache.Get(viewer); ok {
		return muted, nil
	}

	limit := 1
	lists, err := m.lists.QueryEvents(ctx, []*event.Filter{{
		Authors: []string{viewer},
		Kinds:   []int{event.KindMuteList},
		Limit:   &limit,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to load mute list: %w", err)
	}

	muted := []string{}
	if len(lists) > 0 {
		muted = lists[0].Tags.Values("p")
	}
	m.cache.Set(viewer, muted)
	return muted, nil
}
