// Package policy decides whether a verified event may be stored. Policies
// are compiled in and selected by name at startup.
package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/paul/grapevine/internal/worker"
	"github.com/paul/grapevine/pkg/config"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
)

// Category is the machine-readable half of a rejection.
type Category string

const (
	CategoryDuplicate   Category = "duplicate"
	CategoryPoW         Category = "pow"
	CategoryBlocked     Category = "blocked"
	CategoryRateLimited Category = "rate-limited"
	CategoryInvalid     Category = "invalid"
	CategoryError       Category = "error"
)

// Decision is the result of one evaluation.
type Decision struct {
	Accept   bool
	Category Category
	Message  string
}

// Accept is the accepting decision.
func Accept() Decision { return Decision{Accept: true} }

// Reject builds a rejecting decision.
func Reject(category Category, format string, args ...any) Decision {
	return Decision{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Policy evaluates one event. An error means the policy could not decide.
type Policy interface {
	Evaluate(ctx context.Context, evt *event.Event) (Decision, error)
}

// Func adapts a plain function to Policy.
type Func func(ctx context.Context, evt *event.Event) (Decision, error)

func (f Func) Evaluate(ctx context.Context, evt *event.Event) (Decision, error) {
	return f(ctx, evt)
}

// AcceptAll accepts every event. It is used when no policy is configured.
var AcceptAll Policy = Func(func(context.Context, *event.Event) (Decision, error) {
	return Accept(), nil
})

// Chain evaluates policies in order; the first rejection or error wins.
func Chain(policies ...Policy) Policy {
	return Func(func(ctx context.Context, evt *event.Event) (Decision, error) {
		for _, p := range policies {
			d, err := p.Evaluate(ctx, evt)
			if err != nil || !d.Accept {
				return d, err
			}
		}
		return Accept(), nil
	})
}

// Factory builds a policy from its configuration.
type Factory func(cfg config.PolicyConfig) (Policy, error)

var registry = map[string]Factory{
	"":           func(config.PolicyConfig) (Policy, error) { return AcceptAll, nil },
	"accept-all": func(config.PolicyConfig) (Policy, error) { return AcceptAll, nil },
	"sane":       func(cfg config.PolicyConfig) (Policy, error) { return NewSane(cfg), nil },
}

// New resolves a policy by name.
func New(cfg config.PolicyConfig) (Policy, error) {
	f, ok := registry[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q (available: %v)", cfg.Name, Names())
	}
	return f(cfg)
}

// Names lists the registered policy names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Pooled runs a policy on a worker pool. A crashed or stuck evaluation
// surfaces as a worker timeout error.
type Pooled struct {
	pool    *worker.Pool[*event.Event, Decision]
	timeout time.Duration
}

// NewPooled starts workers goroutines evaluating p.
func NewPooled(p Policy, workers int, timeout time.Duration, log zerolog.Logger) *Pooled {
	return &Pooled{
		pool:    worker.New("policy", workers, worker.Func[*event.Event, Decision](p.Evaluate), log),
		timeout: timeout,
	}
}

func (p *Pooled) Evaluate(ctx context.Context, evt *event.Event) (Decision, error) {
	return p.pool.Do(ctx, evt, p.timeout)
}

// Close stops the workers.
func (p *Pooled) Close() {
	p.pool.Close()
}
