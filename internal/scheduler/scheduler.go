// Package scheduler runs periodic aggregation jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is one run of a scheduled job. The context ends when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires registered jobs. A job still running when its next tick
// arrives skips that tick.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu     sync.Mutex
	jobs   map[string]JobFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		),
		log:    log,
		jobs:   make(map[string]JobFunc),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name on spec. An empty spec registers the job for
// Trigger only.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
			return fmt.Errorf("invalid schedule %q for job %q: %w", spec, name, err)
		}
		s.log.Info().Str("job", name).Str("schedule", spec).Msg("scheduled job")
	}
	s.jobs[name] = fn
	return nil
}

// Trigger runs the named job once, synchronously.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(name, fn)
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run(name string, fn JobFunc) error {
	start := time.Now()
	err := fn(s.ctx)
	l := s.log.Debug()
	if err != nil {
		l = s.log.Warn().Err(err)
	}
	l.Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
	return err
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error().Err(err).Fields(kv).Msg(msg)
}
