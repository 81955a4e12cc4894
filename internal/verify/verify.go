// Package verify checks event signatures on an isolated worker pool.
package verify

import (
	"context"
	"time"

	"github.com/paul/grapevine/internal/worker"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
)

// Verifier reports whether an event's id and signature are valid.
type Verifier interface {
	Verify(ctx context.Context, evt *event.Event) (bool, error)
}

// Func adapts a plain function to Verifier.
type Func func(ctx context.Context, evt *event.Event) (bool, error)

func (f Func) Verify(ctx context.Context, evt *event.Event) (bool, error) {
	return f(ctx, evt)
}

// Check is the stateless verification: canonical id then schnorr signature.
// A false result with nil error means the event is forged or corrupt.
func Check(evt *event.Event) bool {
	if err := evt.CheckID(); err != nil {
		return false
	}
	return evt.VerifySignature() == nil
}

// Pooled runs Check on a worker pool with a per-call deadline.
type Pooled struct {
	pool    *worker.Pool[*event.Event, bool]
	timeout time.Duration
}

var _ Verifier = (*Pooled)(nil)

// NewPooled starts workers verification goroutines.
func NewPooled(workers int, timeout time.Duration, log zerolog.Logger) *Pooled {
	fn := func(ctx context.Context, evt *event.Event) (bool, error) {
		return Check(evt), nil
	}
	return &Pooled{
		pool:    worker.New("verify", workers, fn, log),
		timeout: timeout,
	}
}

// Verify returns the verdict or a timeout-class error from the pool.
func (p *Pooled) Verify(ctx context.Context, evt *event.Event) (bool, error) {
	return p.pool.Do(ctx, evt, p.timeout)
}

// Close stops the workers.
func (p *Pooled) Close() {
	p.pool.Close()
}
