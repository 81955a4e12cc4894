package notifier

import (
	"context"
	"errors"

	"github.com/nbd-wtf/go-nostr"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
)

// Republisher forwards accepted events to upstream relays.
type Republisher struct {
	pool *nostr.SimplePool
	urls []string
	log  zerolog.Logger
}

// NewRepublisher creates a republisher for urls. The pool lives as long as ctx.
func NewRepublisher(ctx context.Context, urls []string, log zerolog.Logger) *Republisher {
	return &Republisher{
		pool: nostr.NewSimplePool(ctx),
		urls: urls,
		log:  log,
	}
}

// Republish sends evt to every upstream and waits for their answers or ctx.
// It returns an error only when no upstream accepted the event.
func (r *Republisher) Republish(ctx context.Context, evt *event.Event) error {
	if len(r.urls) == 0 {
		return nil
	}
	var errs []error
	accepted := 0
	for res := range r.pool.PublishMany(ctx, r.urls, ToNostr(evt)) {
		if res.Error != nil {
			r.log.Debug().Err(res.Error).Str("relay", res.RelayURL).Str("id", evt.ID).Msg("republish failed")
			errs = append(errs, res.Error)
			continue
		}
		accepted++
	}
	if accepted == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ToNostr converts an event to the go-nostr representation.
func ToNostr(evt *event.Event) nostr.Event {
	tags := make(nostr.Tags, 0, len(evt.Tags))
	for _, t := range evt.Tags {
		tags = append(tags, nostr.Tag(t))
	}
	return nostr.Event{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: nostr.Timestamp(evt.CreatedAt),
		Kind:      evt.Kind,
		Tags:      tags,
		Content:   evt.Content,
		Sig:       evt.Sig,
	}
}

// FromNostr converts a go-nostr event to the local representation.
func FromNostr(ne *nostr.Event) *event.Event {
	tags := make(event.Tags, 0, len(ne.Tags))
	for _, t := range ne.Tags {
		tags = append(tags, []string(t))
	}
	return &event.Event{
		ID:        ne.ID,
		PubKey:    ne.PubKey,
		CreatedAt: int64(ne.CreatedAt),
		Kind:      ne.Kind,
		Tags:      tags,
		Content:   ne.Content,
		Sig:       ne.Sig,
	}
}
