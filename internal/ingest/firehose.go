package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/paul/grapevine/internal/notifier"
	"github.com/paul/grapevine/internal/pipeline"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
)

// Upstream yields events from outside the process.
type Upstream interface {
	Subscribe(ctx context.Context, filters []*event.Filter) (<-chan *event.Event, error)
}

// FirehoseStats counts what the firehose has seen since start.
type FirehoseStats struct {
	Received   int64
	Accepted   int64
	Duplicates int64
	Dropped    int64
}

// Firehose feeds an upstream subscription into the pipeline. Concurrency
// is bounded by the pipeline's permits: reading blocks while all are taken.
type Firehose struct {
	upstream Upstream
	pipe     Submitter
	filters  []*event.Filter
	log      zerolog.Logger

	received, accepted, duplicates, dropped atomic.Int64
}

// NewFirehose creates a firehose. An empty filter list subscribes to
// everything the upstream sends.
func NewFirehose(up Upstream, pipe Submitter, filters []*event.Filter, log zerolog.Logger) *Firehose {
	if len(filters) == 0 {
		filters = []*event.Filter{{}}
	}
	return &Firehose{
		upstream: up,
		pipe:     pipe,
		filters:  filters,
		log:      log.With().Str("component", "firehose").Logger(),
	}
}

// Run subscribes and resubscribes until ctx ends.
func (f *Firehose) Run(ctx context.Context) error {
	return reconnect(ctx, f.log, f.runOnce)
}

func (f *Firehose) runOnce(ctx context.Context) error {
	events, err := f.upstream.Subscribe(ctx, f.filters)
	if err != nil {
		return err
	}
	f.log.Info().Int("filters", len(f.filters)).Msg("firehose subscribed")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return errors.New("upstream closed")
			}
			f.received.Add(1)
			if err := f.pipe.Submit(ctx, evt, pipeline.SourceFirehose, f.record); err != nil {
				return err
			}
		}
	}
}

func (f *Firehose) record(out pipeline.Outcome) {
	switch {
	case out.Duplicate:
		f.duplicates.Add(1)
	case out.Accepted():
		f.accepted.Add(1)
	default:
		f.dropped.Add(1)
	}
}

// Stats returns the counters.
func (f *Firehose) Stats() FirehoseStats {
	return FirehoseStats{
		Received:   f.received.Load(),
		Accepted:   f.accepted.Load(),
		Duplicates: f.duplicates.Load(),
		Dropped:    f.dropped.Load(),
	}
}

// RelayUpstream subscribes to a set of relays through a go-nostr pool.
type RelayUpstream struct {
	pool *nostr.SimplePool
	urls []string
}

// NewRelayUpstream creates an upstream over urls. The pool lives as long as ctx.
func NewRelayUpstream(ctx context.Context, urls []string) *RelayUpstream {
	return &RelayUpstream{pool: nostr.NewSimplePool(ctx), urls: urls}
}

// Subscribe opens one pool subscription per filter and merges them. The
// pool reconnects relays on its own; the channel closes when ctx ends.
func (r *RelayUpstream) Subscribe(ctx context.Context, filters []*event.Filter) (<-chan *event.Event, error) {
	if len(r.urls) == 0 {
		return nil, errors.New("no upstream relays configured")
	}

	out := make(chan *event.Event, 256)
	var wg sync.WaitGroup
	for _, f := range filters {
		sub := r.pool.SubscribeMany(ctx, r.urls, ToNostrFilter(f))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for re := range sub {
				if re.Event == nil {
					continue
				}
				select {
				case out <- notifier.FromNostr(re.Event):
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// ToNostrFilter converts a filter to the go-nostr representation.
func ToNostrFilter(f *event.Filter) nostr.Filter {
	nf := nostr.Filter{
		IDs:     f.IDs,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Search:  f.Search,
	}
	if len(f.Tags) > 0 {
		nf.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			nf.Tags[k] = v
		}
	}
	if f.Since != nil {
		ts := nostr.Timestamp(*f.Since)
		nf.Since = &ts
	}
	if f.Until != nil {
		ts := nostr.Timestamp(*f.Until)
		nf.Until = &ts
	}
	if f.Limit != nil {
		nf.Limit = *f.Limit
		nf.LimitZero = *f.Limit == 0
	}
	return nf
}
