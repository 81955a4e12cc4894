// Package ingest runs the two background entry points into the pipeline:
// the firehose subscription to upstream relays and the change-notify
// listener for writes made by other processes.
package ingest

import (
	"context"
	"time"

	"github.com/paul/grapevine/internal/pipeline"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
)

// Submitter is the part of the pipeline ingestion drives.
type Submitter interface {
	Process(ctx context.Context, evt *event.Event, src pipeline.Source) pipeline.Outcome
	Submit(ctx context.Context, evt *event.Event, src pipeline.Source, done func(pipeline.Outcome)) error
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// reconnect calls run until ctx ends, waiting with exponential backoff
// between attempts. A run that lasted longer than maxBackoff resets the
// backoff.
func reconnect(ctx context.Context, log zerolog.Logger, run func(context.Context) error) error {
	backoff := minBackoff
	for {
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > maxBackoff {
			backoff = minBackoff
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("source ended, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
