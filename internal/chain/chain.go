// Package chain layers read-time moderation over a base store. Each layer
// wraps a storage.Store and passes writes through; reads are narrowed on
// the way out.
package chain

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/paul/grapevine/internal/cache"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
)

type viewerKey struct{}

// WithViewer marks ctx as a read on behalf of pubkey. The mute layer uses
// it to hide the viewer's muted authors.
func WithViewer(ctx context.Context, pubkey string) context.Context {
	if pubkey == "" {
		return ctx
	}
	return context.WithValue(ctx, viewerKey{}, pubkey)
}

// Viewer returns the pubkey set by WithViewer.
func Viewer(ctx context.Context) (string, bool) {
	pk, ok := ctx.Value(viewerKey{}).(string)
	return pk, ok && pk != ""
}

// Index is the search backend the chain delegates to.
type Index interface {
	storage.Indexer
	Search(ctx context.Context, f *event.Filter) ([]string, error)
}

// Options configures Build.
type Options struct {
	// Admins may disable authors with moderation grants.
	Admins []string
	// Index answers search filters; nil leaves them to the base store.
	Index Index
	// CacheTTL bounds how long grants and mute lists are cached.
	CacheTTL time.Duration
	Log      zerolog.Logger
}

// Chain is the composed store. Close releases its caches, not the base.
type Chain struct {
	storage.Store
	admin  *AdminFilter
	mute   *MuteFilter
	grants *cache.TTL[bool]
	mutes  *cache.TTL[[]string]
}

// Build composes mute → admin → search → base. Moderation lookups read
// from base directly so they are never filtered themselves.
func Build(base storage.Store, opts Options) (*Chain, error) {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	grants, err := cache.NewTTL[bool](100_000, opts.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant cache: %w", err)
	}
	mutes, err := cache.NewTTL[[]string](10_000, opts.CacheTTL)
	if err != nil {
		grants.Close()
		return nil, fmt.Errorf("failed to create mute cache: %w", err)
	}

	var s storage.Store = &SearchDelegate{Store: base, Index: opts.Index, log: opts.Log.With().Str("component", "search").Logger()}
	admin := NewAdminFilter(s, base, opts.Admins, grants)
	mute := NewMuteFilter(admin, base, mutes)
	return &Chain{Store: mute, admin: admin, mute: mute, grants: grants, mutes: mutes}, nil
}

// Visible applies the same moderation a query would to a single live
// event: disabled authors and authors the viewer in ctx muted are hidden.
func (c *Chain) Visible(ctx context.Context, evt *event.Event) (bool, error) {
	disabled, err := c.admin.Disabled(ctx, []string{evt.PubKey})
	if err != nil {
		return false, err
	}
	if _, ok := disabled[evt.PubKey]; ok {
		return false, nil
	}
	viewer, ok := Viewer(ctx)
	if !ok {
		return true, nil
	}
	muted, err := c.mute.Muted(ctx, viewer)
	if err != nil {
		return false, err
	}
	return !slices.Contains(muted, evt.PubKey), nil
}

// Close releases the caches.
func (c *Chain) Close() {
	c.grants.Close()
	c.mutes.Close()
}

// countByQuery counts what a layer would return, ignoring limits.
func countByQuery(ctx context.Context, s storage.Store, filters []*event.Filter) (int64, error) {
	unlimited := make([]*event.Filter, len(filters))
	for i, f := range filters {
		unlimited[i] = f.Clone()
		unlimited[i].Limit = nil
	}
	events, err := s.QueryEvents(ctx, unlimited)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

func keep(events []*event.Event, drop func(*event.Event) bool) []*event.Event {
	out := make([]*event.Event, 0, len(events))
	for _, e := range events {
		if !drop(e) {
			out = append(out, e)
		}
	}
	return out
}
