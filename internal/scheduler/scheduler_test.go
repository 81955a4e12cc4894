package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresJob(t *testing.T) {
	s := New(zerolog.Nop())
	var fires atomic.Int32
	require.NoError(t, s.Add("every-second", "* * * * * *", func(context.Context) error {
		fires.Add(1)
		return nil
	}))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() > 0 }, 2500*time.Millisecond, 50*time.Millisecond)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.Add("broken", "not a schedule", func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestSchedulerDuplicateName(t *testing.T) {
	s := New(zerolog.Nop())
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Add("trends:events", "0 * * * *", noop))
	assert.Error(t, s.Add("trends:events", "5 * * * *", noop))
}

func TestSchedulerTrigger(t *testing.T) {
	s := New(zerolog.Nop())
	boom := errors.New("boom")
	var ran bool
	require.NoError(t, s.Add("manual", "", func(context.Context) error {
		ran = true
		return boom
	}))

	assert.ErrorIs(t, s.Trigger("manual"), boom)
	assert.True(t, ran)
	assert.Error(t, s.Trigger("missing"))
}

func TestSchedulerStopCancelsJobs(t *testing.T) {
	s := New(zerolog.Nop())
	started := make(chan struct{}, 1)
	var sawCancel atomic.Bool
	require.NoError(t, s.Add("long", "* * * * * *", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job did not start")
	}
	s.Stop()
	assert.True(t, sawCancel.Load())
}
