// Package app constructs every long-lived component once from the
// configuration and runs them for the life of the process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paul/grapevine/internal/cache"
	"github.com/paul/grapevine/internal/chain"
	"github.com/paul/grapevine/internal/hydrate"
	"github.com/paul/grapevine/internal/ingest"
	"github.com/paul/grapevine/internal/logging"
	"github.com/paul/grapevine/internal/notifier"
	"github.com/paul/grapevine/internal/pipeline"
	"github.com/paul/grapevine/internal/policy"
	"github.com/paul/grapevine/internal/scheduler"
	"github.com/paul/grapevine/internal/search"
	"github.com/paul/grapevine/internal/stats"
	"github.com/paul/grapevine/internal/store/memory"
	"github.com/paul/grapevine/internal/store/postgres"
	"github.com/paul/grapevine/internal/store/sqlite"
	"github.com/paul/grapevine/internal/trends"
	"github.com/paul/grapevine/internal/verify"
	"github.com/paul/grapevine/pkg/config"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/nips/nip11"
	"github.com/paul/grapevine/pkg/ratelimit"
	"github.com/paul/grapevine/pkg/relay"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// App is the process context. Fields are nil for disabled features.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Backend   storage.Backend
	Index     *search.Index
	Chain     *chain.Chain
	Encounter *cache.Encounter
	Notifier  *notifier.Notifier
	Pipeline  *pipeline.Pipeline
	Stats     *stats.Updater
	Recompute *stats.Recomputer
	Trends    *trends.Aggregator
	Hydrator  *hydrate.Hydrator
	Scheduler *scheduler.Scheduler
	Relay     *relay.Relay

	Firehose     *ingest.Firehose
	ChangeNotify *ingest.ChangeNotify

	authors *ratelimit.Keyed
	closers []func() error
}

// New builds the whole process. ctx bounds connection setup and the
// lifetime of upstream relay pools.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) (err error) {
	cfg, log := a.Config, a.Log

	var pg *postgres.Store
	a.Backend, pg, err = openBackend(ctx, cfg.Database, cfg.Ingest.NotifyChannel)
	if err != nil {
		return err
	}
	a.onClose(a.Backend.Close)

	chainOpts := chain.Options{
		Admins:   cfg.Moderation.Admins,
		CacheTTL: cfg.Cache.ModerationTTL,
		Log:      log,
	}
	if cfg.Features.Search {
		a.Index, err = search.Open(cfg.Database.SearchPath)
		if err != nil {
			return err
		}
		a.onClose(a.Index.Close)
		chainOpts.Index = a.Index
	}
	a.Chain, err = chain.Build(a.Backend, chainOpts)
	if err != nil {
		return err
	}
	a.onClose(func() error { a.Chain.Close(); return nil })

	pol, err := policy.New(cfg.Pipeline.Policy)
	if err != nil {
		return err
	}
	pooledPolicy := policy.NewPooled(pol, cfg.Pipeline.PolicyWorkers, cfg.Pipeline.PolicyTimeout, log)
	a.onClose(func() error { pooledPolicy.Close(); return nil })
	verifier := verify.NewPooled(cfg.Pipeline.VerifyWorkers, cfg.Pipeline.VerifyTimeout, log)
	a.onClose(func() error { verifier.Close(); return nil })

	a.Encounter = cache.NewEncounter(cfg.Cache.EncounterSize, cfg.Cache.EncounterTTL)
	a.Notifier = notifier.New(notifier.DefaultBuffer, logging.Component(log, "notifier"))
	a.Stats = stats.NewUpdater(a.Backend, log)
	a.Recompute = stats.NewRecomputer(a.Backend, cfg.Stats.StreakKinds, log)

	popts := pipeline.Options{
		Encounter: a.Encounter,
		Verifier:  verifier,
		Policy:    pooledPolicy,
		Store:     a.Chain,
		Stats:     a.Stats,
		Notifier:  a.Notifier,
		Timeouts: pipeline.Timeouts{
			Verify:  cfg.Pipeline.VerifyTimeout,
			Policy:  cfg.Pipeline.PolicyTimeout,
			Persist: cfg.Pipeline.PersistTimeout,
			Stats:   cfg.Pipeline.StatsTimeout,
			Notify:  cfg.Pipeline.NotifyTimeout,
		},
		Concurrency: cfg.Pipeline.Concurrency,
		Log:         log,
	}
	if cfg.Features.Republish && len(cfg.Ingest.Upstreams) > 0 {
		popts.Republisher = notifier.NewRepublisher(ctx, cfg.Ingest.Upstreams, logging.Component(log, "republish"))
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.AuthorEventsPerMinute > 0 {
		n := cfg.RateLimit.AuthorEventsPerMinute
		a.authors = ratelimit.NewKeyed(float64(n)/60, int64(n))
		popts.AuthorLimiter = a.authors
	}
	a.Pipeline = pipeline.New(popts)
	a.onClose(func() error { a.Pipeline.Wait(); return nil })

	a.Trends = trends.New(a.Backend, trends.Options{
		Window:     cfg.Trends.Window,
		MinAuthors: cfg.Trends.MinAuthors,
		Limit:      cfg.Trends.Limit,
		Log:        log,
	})
	a.Hydrator = hydrate.New(a.Chain, a.Backend, log)

	if cfg.Features.Firehose {
		if len(cfg.Ingest.Upstreams) == 0 {
			return errors.New("firehose enabled without upstreams")
		}
		var filters []*event.Filter
		if len(cfg.Ingest.Kinds) > 0 {
			filters = []*event.Filter{{Kinds: cfg.Ingest.Kinds}}
		}
		up := ingest.NewRelayUpstream(ctx, cfg.Ingest.Upstreams)
		a.Firehose = ingest.NewFirehose(up, a.Pipeline, filters, log)
	}
	if cfg.Features.ChangeNotify {
		if pg == nil {
			return errors.New("change_notify requires the postgres driver")
		}
		listener := postgres.NewListener(pg.Pool(), cfg.Ingest.NotifyChannel)
		a.ChangeNotify = ingest.NewChangeNotify(listener, a.Backend, a.Pipeline, a.Encounter, log)
	}

	a.Scheduler = scheduler.New(log)
	if err := a.schedule(); err != nil {
		return err
	}

	a.Relay = relay.New(relay.Options{
		Store:     a.Chain,
		Pipeline:  a.Pipeline,
		Notifier:  a.Notifier,
		Moderator: a.Chain,
		Info: nip11.RelayInformationDocument{
			Name:        cfg.Info.Name,
			Description: cfg.Info.Description,
			Pubkey:      cfg.Info.PubKey,
			Contact:     cfg.Info.Contact,
		},
		Auth:           cfg.Features.Auth,
		MaxLimit:       cfg.Network.MaxLimit,
		MaxMessageSize: cfg.Network.MaxMessageSize,
		WriteTimeout:   cfg.Network.WriteTimeoutDuration(),
		EventsPerSec:   rateIf(cfg.RateLimit.Enabled, float64(cfg.RateLimit.EventsPerSec)),
		Burst:          int64(cfg.RateLimit.Burst),
		CORSOrigins:    cfg.Network.CORSOrigins,
		Log:            log,
	})
	return nil
}

func openBackend(ctx context.Context, cfg config.DatabaseConfig, channel string) (storage.Backend, *postgres.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil, nil
	case "postgres":
		opts := postgres.DefaultOptions()
		if cfg.MaxOpenConns > 0 {
			opts.MaxConns = int32(cfg.MaxOpenConns)
		}
		if d := cfg.ConnMaxLifetimeDuration(); d > 0 {
			opts.ConnMaxLifetime = d
		}
		opts.NotifyChannel = channel
		s, err := postgres.New(ctx, cfg.DSN, opts)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		opts := sqlite.DefaultOptions()
		if cfg.MaxOpenConns > 0 {
			opts.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.MaxIdleConns > 0 {
			opts.MaxIdleConns = cfg.MaxIdleConns
		}
		if d := cfg.ConnMaxLifetimeDuration(); d > 0 {
			opts.ConnMaxLifetime = d
		}
		s, err := sqlite.NewWithOptions(cfg.Path, opts)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}

// schedule registers the periodic jobs. A job with an empty schedule can
// still be triggered by name.
func (a *App) schedule() error {
	cfg := a.Config
	for _, k := range trends.Kinds {
		if err := a.Scheduler.Add("trends:"+string(k), cfg.Trends.Schedules[string(k)], func(ctx context.Context) error {
			return a.Trends.Refresh(ctx, k)
		}); err != nil {
			return err
		}
	}
	if err := a.Scheduler.Add("stats:streaks", cfg.Stats.StreakSchedule, a.Recompute.RefreshStreaks); err != nil {
		return err
	}
	window := cfg.Stats.RecomputeWindow
	if window <= 0 {
		window = 48 * time.Hour
	}
	if err := a.Scheduler.Add("stats:recompute", cfg.Stats.RecomputeSchedule, func(ctx context.Context) error {
		return a.Recompute.RecomputeSince(ctx, time.Now().Add(-window))
	}); err != nil {
		return err
	}
	if a.authors != nil {
		if err := a.Scheduler.Add("ratelimit:prune", "@every 10m", func(context.Context) error {
			if n := a.authors.Prune(30 * time.Minute); n > 0 {
				a.Log.Debug().Int("pruned", n).Msg("pruned idle author buckets")
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Run serves the relay and runs background ingestion until ctx ends or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Scheduler.Start()
	g.Go(func() error {
		<-ctx.Done()
		a.Scheduler.Stop()
		return nil
	})
	// rankings are empty until their first scheduled run otherwise
	g.Go(func() error {
		if err := a.Trends.RefreshAll(ctx); err != nil && ctx.Err() == nil {
			a.Log.Warn().Err(err).Msg("initial trends refresh failed")
		}
		return nil
	})

	if a.Firehose != nil {
		g.Go(func() error { return ignoreCanceled(a.Firehose.Run(ctx)) })
	}
	if a.ChangeNotify != nil {
		g.Go(func() error { return ignoreCanceled(a.ChangeNotify.Run(ctx)) })
	}

	g.Go(func() error {
		n := a.Config.Network
		return a.Relay.ListenAndServe(ctx, n.Address, n.TLSCert, n.TLSKey)
	})
	return g.Wait()
}

// View loads one event through the moderated chain and hydrates it with
// every relation.
func (a *App) View(ctx context.Context, id string) (*hydrate.View, error) {
	events, err := a.Chain.QueryEvents(ctx, []*event.Filter{{IDs: []string{id}}})
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	if len(events) == 0 {
		return nil, storage.ErrNotFound
	}
	views, err := a.Hydrator.Hydrate(ctx, events[:1], hydrate.All...)
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func rateIf(enabled bool, rate float64) float64 {
	if !enabled {
		return 0
	}
	return rate
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
