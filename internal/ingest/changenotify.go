package ingest

import (
	"context"
	"errors"

	"github.com/paul/grapevine/internal/pipeline"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
)

// Listener yields ids of events written by any process sharing the store.
type Listener interface {
	Listen(ctx context.Context) (<-chan string, error)
}

// Getter reads one stored event.
type Getter interface {
	GetEvent(ctx context.Context, id string) (*event.Event, error)
}

// Seen reports whether an id already went through the local pipeline.
type Seen interface {
	Contains(id string) bool
}

// ChangeNotify runs each announced event through the pipeline, one at a
// time and in arrival order.
type ChangeNotify struct {
	listener Listener
	store    Getter
	pipe     Submitter
	seen     Seen
	log      zerolog.Logger
}

// NewChangeNotify creates the loop. seen may be nil.
func NewChangeNotify(l Listener, store Getter, pipe Submitter, seen Seen, log zerolog.Logger) *ChangeNotify {
	return &ChangeNotify{
		listener: l,
		store:    store,
		pipe:     pipe,
		seen:     seen,
		log:      log.With().Str("component", "changenotify").Logger(),
	}
}

// Run listens and re-listens until ctx ends.
func (c *ChangeNotify) Run(ctx context.Context) error {
	return reconnect(ctx, c.log, c.runOnce)
}

func (c *ChangeNotify) runOnce(ctx context.Context) error {
	ids, err := c.listener.Listen(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-ids:
			if !ok {
				return errors.New("listener closed")
			}
			c.Handle(ctx, id)
		}
	}
}

// Handle processes one announced id. Ids this process already handled are
// skipped before touching the store.
func (c *ChangeNotify) Handle(ctx context.Context, id string) pipeline.Outcome {
	if c.seen != nil && c.seen.Contains(id) {
		return pipeline.Outcome{State: pipeline.Skipped, Duplicate: true}
	}
	evt, err := c.store.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.log.Debug().Str("id", id).Msg("announced event not found")
		} else {
			c.log.Warn().Err(err).Str("id", id).Msg("failed to load announced event")
		}
		return pipeline.Outcome{State: pipeline.Dropped, Err: err}
	}
	return c.pipe.Process(ctx, evt, pipeline.SourceNotify)
}

// ChanListener is an in-process Listener fed with Notify.
type ChanListener struct {
	ch chan string
}

// NewChanListener creates a listener buffering up to size ids.
func NewChanListener(size int) *ChanListener {
	return &ChanListener{ch: make(chan string, size)}
}

// Notify announces id. It blocks while the buffer is full.
func (l *ChanListener) Notify(ctx context.Context, id string) error {
	select {
	case l.ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen returns the announcement channel.
func (l *ChanListener) Listen(ctx context.Context) (<-chan string, error) {
	return l.ch, nil
}
