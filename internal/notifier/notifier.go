// Package notifier fans newly accepted events out to live subscriptions.
package notifier

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/paul/grapevine/pkg/event"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 256

// Subscription is a live feed of events matching Filters. Events arrive on
// C until Done is closed.
type Subscription struct {
	ID      string
	Filters []*event.Filter

	ch        chan *event.Event
	done      chan struct{}
	closeOnce sync.Once
	n         *Notifier
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan *event.Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.n.subs.Delete(s.ID)
		close(s.done)
	})
}

// Notifier matches published events against subscriptions with the same
// matcher stores use for queries.
type Notifier struct {
	subs   *xsync.MapOf[string, *Subscription]
	buffer int
	log    zerolog.Logger
}

// New creates a notifier; buffer <= 0 uses DefaultBuffer.
func New(buffer int, log zerolog.Logger) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		subs:   xsync.NewMapOf[string, *Subscription](),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers filters. The subscription is closed when ctx is done
// or when Close is called.
func (n *Notifier) Subscribe(ctx context.Context, filters []*event.Filter) *Subscription {
	s := &Subscription{
		ID:      uuid.NewString(),
		Filters: filters,
		ch:      make(chan *event.Event, n.buffer),
		done:    make(chan struct{}),
		n:       n,
	}
	n.subs.Store(s.ID, s)

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Publish delivers evt to every matching subscription without blocking.
// A subscriber whose queue is full misses the event. It returns the number
// of deliveries.
func (n *Notifier) Publish(evt *event.Event) int {
	delivered := 0
	n.subs.Range(func(id string, s *Subscription) bool {
		if !event.MatchesAny(s.Filters, evt) {
			return true
		}
		select {
		case <-s.done:
		case s.ch <- evt:
			delivered++
		default:
			n.log.Warn().Str("subscription", id).Str("id", evt.ID).Msg("subscriber queue full, event dropped")
		}
		return true
	})
	return delivered
}

// Len returns the number of live subscriptions.
func (n *Notifier) Len() int {
	return n.subs.Size()
}
