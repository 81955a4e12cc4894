// Package worker runs isolated request/response jobs on a fixed set of
// goroutines. Each request carries its own deadline; a worker that panics
// is reported to the caller exactly like one that never answers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTimeout = errors.New("worker timed out")
	ErrCrashed = errors.New("worker crashed")
	ErrClosed  = errors.New("worker pool closed")
)

// IsTimeout reports whether err means the job did not produce an answer in time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCrashed) || errors.Is(err, context.DeadlineExceeded)
}

// Func is the work executed for one request.
type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type result[Resp any] struct {
	resp Resp
	err  error
}

type job[Req, Resp any] struct {
	id       string
	req      Req
	deadline time.Time
	reply    chan result[Resp]
}

// Pool is a fixed-size worker pool.
type Pool[Req, Resp any] struct {
	name string
	fn   Func[Req, Resp]
	jobs chan job[Req, Resp]
	done chan struct{}
	log  zerolog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New starts workers goroutines running fn.
func New[Req, Resp any](name string, workers int, fn Func[Req, Resp], log zerolog.Logger) *Pool[Req, Resp] {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool[Req, Resp]{
		name: name,
		fn:   fn,
		jobs: make(chan job[Req, Resp]),
		done: make(chan struct{}),
		log:  log.With().Str("pool", name).Logger(),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

// Do submits req and waits for its answer. The job deadline is the earlier
// of ctx's deadline and now+timeout; it is sent with the request so the
// worker stops on its own when the caller has given up.
func (p *Pool[Req, Resp]) Do(ctx context.Context, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	j := job[Req, Resp]{
		id:       uuid.NewString(),
		req:      req,
		deadline: deadline,
		reply:    make(chan result[Resp], 1),
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case p.jobs <- j:
	case <-timer.C:
		return zero, fmt.Errorf("%s: %w waiting for a free worker", p.name, ErrTimeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.done:
		return zero, ErrClosed
	}

	select {
	case r := <-j.reply:
		return r.resp, r.err
	case <-timer.C:
		return zero, fmt.Errorf("%s: %w", p.name, ErrTimeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *Pool[Req, Resp]) loop() {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.run(j)
		case <-p.done:
			return
		}
	}
}

func (p *Pool[Req, Resp]) run(j job[Req, Resp]) {
	if !time.Now().Before(j.deadline) {
		j.reply <- result[Resp]{err: fmt.Errorf("%s: %w", p.name, ErrTimeout)}
		return
	}

	ctx, cancel := context.WithDeadline(context.Background(), j.deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("job", j.id).Interface("panic", r).Msg("worker crashed")
			j.reply <- result[Resp]{err: fmt.Errorf("%s: %w: %v", p.name, ErrCrashed, r)}
		}
	}()

	resp, err := p.fn(ctx, j.req)
	j.reply <- result[Resp]{resp: resp, err: err}
}

// Close stops the workers after their current job.
func (p *Pool[Req, Resp]) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
