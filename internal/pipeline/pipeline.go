// Package pipeline takes one event from receipt through verification,
// policy, persistence, stats and fan-out.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paul/grapevine/internal/cache"
	"github.com/paul/grapevine/internal/policy"
	"github.com/paul/grapevine/internal/verify"
	"github.com/paul/grapevine/internal/worker"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/ratelimit"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// StatsApplier applies the incremental stats of a newly stored event.
type StatsApplier interface {
	Apply(ctx context.Context, evt *event.Event) error
}

// Publisher delivers an accepted event to local subscribers.
type Publisher interface {
	Publish(evt *event.Event) int
}

// Republisher forwards a directly submitted event upstream.
type Republisher interface {
	Republish(ctx context.Context, evt *event.Event) error
}

// Timeouts bounds each external call. Zero values use the defaults.
type Timeouts struct {
	Verify  time.Duration
	Policy  time.Duration
	Persist time.Duration
	Stats   time.Duration
	Notify  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&t.Verify, 2*time.Second)
	def(&t.Policy, 2*time.Second)
	def(&t.Persist, 5*time.Second)
	def(&t.Stats, 5*time.Second)
	def(&t.Notify, 2*time.Second)
	return t
}

// Options wires the pipeline's collaborators. Encounter, Verifier and
// Store are required.
type Options struct {
	Encounter   *cache.Encounter
	Verifier    verify.Verifier
	Policy      policy.Policy
	Store       storage.Store
	Stats       StatsApplier
	Notifier    Publisher
	Republisher Republisher
	// AuthorLimiter rate-limits direct submissions per pubkey.
	AuthorLimiter *ratelimit.Keyed
	Timeouts      Timeouts
	Concurrency   int
	Log           zerolog.Logger
}

// Pipeline runs the state machine. It is safe for concurrent use.
type Pipeline struct {
	opts Options
	sem  *semaphore.Weighted
	bg   sync.WaitGroup
	log  zerolog.Logger
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	if opts.Policy == nil {
		opts.Policy = policy.AcceptAll
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 32
	}
	opts.Timeouts = opts.Timeouts.withDefaults()
	return &Pipeline{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
		log:  opts.Log.With().Str("component", "pipeline").Logger(),
	}
}

// Process runs evt to a terminal state. It holds one concurrency permit for
// the whole run.
func (p *Pipeline) Process(ctx context.Context, evt *event.Event, src Source) Outcome {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.drop(evt, src, Received, reject(policy.CategoryError, "server busy"), err)
	}
	defer p.sem.Release(1)
	return p.run(ctx, evt, src)
}

// Submit acquires a permit, blocking while all are taken, then processes
// evt in the background. done, if non-nil, receives the outcome.
func (p *Pipeline) Submit(ctx context.Context, evt *event.Event, src Source, done func(Outcome)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer p.sem.Release(1)
		out := p.run(ctx, evt, src)
		if done != nil {
			done(out)
		}
	}()
	return nil
}

// Wait blocks until background work started by Submit and republishing
// has finished.
func (p *Pipeline) Wait() {
	p.bg.Wait()
}

func (p *Pipeline) run(ctx context.Context, evt *event.Event, src Source) Outcome {
	// Received
	if evt == nil {
		return p.drop(nil, src, Received, reject(policy.CategoryInvalid, "missing event"), nil)
	}
	if err := evt.CheckShape(); err != nil {
		return p.drop(evt, src, Received, reject(policy.CategoryInvalid, "%v", err), nil)
	}
	if seen, settled := p.opts.Encounter.Enter(evt.ID); seen {
		return Outcome{State: Skipped, Duplicate: true, Pending: !settled}
	}

	if src == SourceDirect && p.opts.AuthorLimiter != nil && !p.opts.AuthorLimiter.Allow(evt.PubKey) {
		p.opts.Encounter.Forget(evt.ID)
		return p.drop(evt, src, Received, reject(policy.CategoryRateLimited, "slow down"), nil)
	}

	// Verifying
	vctx, cancel := context.WithTimeout(ctx, p.opts.Timeouts.Verify)
	ok, err := p.opts.Verifier.Verify(vctx, evt)
	cancel()
	if err != nil {
		return p.fail(evt, src, Verifying, err)
	}
	if !ok {
		return p.drop(evt, src, Verifying, reject(policy.CategoryInvalid, "bad signature or id"), nil)
	}

	// PolicyChecking
	pctx, cancel := context.WithTimeout(ctx, p.opts.Timeouts.Policy)
	d, err := p.opts.Policy.Evaluate(pctx, evt)
	cancel()
	if err != nil {
		return p.fail(evt, src, PolicyChecking, err)
	}
	if !d.Accept {
		category := d.Category
		if category == "" {
			category = policy.CategoryBlocked
		}
		return p.drop(evt, src, PolicyChecking, &Rejection{Category: category, Message: d.Message}, nil)
	}

	ephemeral := evt.Kind >= 20000 && evt.Kind < 30000
	if !ephemeral {
		// Persisting
		sctx, cancel := context.WithTimeout(ctx, p.opts.Timeouts.Persist)
		err = p.opts.Store.SaveEvent(sctx, evt)
		cancel()
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			// the writer that stored it owns the stats; a foreign write is
			// still delivered to this process's subscribers
			if src == SourceNotify && p.opts.Notifier != nil {
				p.opts.Notifier.Publish(evt)
			}
			return p.done(evt, true)
		case err != nil:
			return p.fail(evt, src, Persisting, err)
		}

		// StatsUpdating
		if p.opts.Stats != nil {
			tctx, cancel := context.WithTimeout(ctx, p.opts.Timeouts.Stats)
			if err := p.opts.Stats.Apply(tctx, evt); err != nil {
				p.log.Warn().Err(err).Str("id", evt.ID).Str("source", src.String()).Msg("stats update failed")
			}
			cancel()
		}
	}

	// Notifying
	if p.opts.Notifier != nil {
		p.opts.Notifier.Publish(evt)
	}
	if p.opts.Republisher != nil && src == SourceDirect {
		p.bg.Add(1)
		go func() {
			defer p.bg.Done()
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.Timeouts.Notify)
			defer cancel()
			if err := p.opts.Republisher.Republish(rctx, evt); err != nil {
				p.log.Debug().Err(err).Str("id", evt.ID).Msg("republish failed")
			}
		}()
	}

	return p.done(evt, false)
}

func (p *Pipeline) done(evt *event.Event, duplicate bool) Outcome {
	p.opts.Encounter.Settle(evt.ID)
	return Outcome{State: Done, Duplicate: duplicate}
}

// fail handles an external call that errored or ran out of time. The id is
// forgotten so a later attempt may run again.
func (p *Pipeline) fail(evt *event.Event, src Source, stage State, err error) Outcome {
	p.opts.Encounter.Forget(evt.ID)
	serr := &StageError{Stage: stage, Err: err}
	if worker.IsTimeout(err) || errors.Is(err, context.Canceled) {
		p.log.Warn().Str("id", evt.ID).Str("source", src.String()).Str("stage", stage.String()).Err(err).Msg("stage timed out")
		return Outcome{State: Dropped, Rejection: reject(policy.CategoryError, "%s timed out", stage), Err: serr}
	}
	p.log.Error().Str("id", evt.ID).Str("source", src.String()).Str("stage", stage.String()).Err(err).Msg("stage failed")
	return Outcome{State: Dropped, Rejection: reject(policy.CategoryError, "%s failed", stage), Err: serr}
}

// drop ends a run without side effects. Past Received the id was recorded
// by this run and is forgotten, so a rejected copy cannot shadow a valid
// event sharing its id.
func (p *Pipeline) drop(evt *event.Event, src Source, stage State, r *Rejection, err error) Outcome {
	if evt != nil && stage != Received {
		p.opts.Encounter.Forget(evt.ID)
	}
	var l *zerolog.Event
	switch {
	case stage == Received && r.Category == policy.CategoryInvalid:
		l = p.log.Debug()
	case src == SourceDirect:
		l = p.log.Debug()
	default:
		l = p.log.Info()
	}
	if evt != nil {
		l = l.Str("id", evt.ID)
	}
	l.Str("source", src.String()).
		Str("stage", stage.String()).
		Str("category", string(r.Category)).
		Str("message", r.Message).
		Msg("event dropped")

	out := Outcome{State: Dropped, Rejection: r}
	if err != nil {
		out.Err = &StageError{Stage: stage, Err: err}
	}
	return out
}
