package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paul/grapevine/internal/cache"
	"github.com/paul/grapevine/internal/pipeline"
	"github.com/paul/grapevine/internal/store/memory"
	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/internal/verify"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStats struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *countingStats) Apply(_ context.Context, evt *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[evt.ID]++
	return nil
}

func (c *countingStats) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

type countingPublisher struct{ n atomic.Int32 }

func (c *countingPublisher) Publish(*event.Event) int {
	c.n.Add(1)
	return 1
}

// chanUpstream hands out one prepared channel per subscription.
type chanUpstream struct {
	ch    chan *event.Event
	calls atomic.Int32
}

func (u *chanUpstream) Subscribe(ctx context.Context, filters []*event.Filter) (<-chan *event.Event, error) {
	u.calls.Add(1)
	return u.ch, nil
}

type harness struct {
	pipe  *pipeline.Pipeline
	store *memory.Store
	enc   *cache.Encounter
	stats *countingStats
	pub   *countingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		enc:   cache.NewEncounter(1000, time.Minute),
		stats: &countingStats{n: make(map[string]int)},
		pub:   &countingPublisher{},
	}
	h.pipe = pipeline.New(pipeline.Options{
		Encounter: h.enc,
		Verifier: verify.Func(func(_ context.Context, evt *event.Event) (bool, error) {
			return verify.Check(evt), nil
		}),
		Store:       h.store,
		Stats:       h.stats,
		Notifier:    h.pub,
		Concurrency: 4,
		Log:         zerolog.Nop(),
	})
	t.Cleanup(h.pipe.Wait)
	return h
}

func TestFirehoseFeedsPipeline(t *testing.T) {
	h := newHarness(t)
	up := &chanUpstream{ch: make(chan *event.Event, 8)}
	fh := NewFirehose(up, h.pipe, nil, zerolog.Nop())

	kp := testutil.MustGenerateKeyPair()
	good := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "one", nil)
	forged := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "two", nil)
	forged.Content = "tampered"
	up.ch <- good
	up.ch <- good
	up.ch <- forged

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fh.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := fh.Stats()
		return s.Accepted+s.Duplicates+s.Dropped == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	s := fh.Stats()
	assert.Equal(t, int64(3), s.Received)
	assert.Equal(t, int64(1), s.Accepted)
	assert.Equal(t, int64(1), s.Duplicates)
	assert.Equal(t, int64(1), s.Dropped)
	assert.Equal(t, 1, h.stats.count(good.ID))
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestDedupAcrossPaths(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "x", nil)

	up := &chanUpstream{ch: make(chan *event.Event, 1)}
	fh := NewFirehose(up, h.pipe, nil, zerolog.Nop())
	require.NoError(t, h.pipe.Submit(ctx, evt, pipeline.SourceFirehose, fh.record))
	h.pipe.Wait()

	cn := NewChangeNotify(NewChanListener(1), h.store, h.pipe, h.enc, zerolog.Nop())
	out := cn.Handle(ctx, evt.ID)
	assert.Equal(t, pipeline.Skipped, out.State)

	// without the early check the pipeline's own encounter test still holds
	cn = NewChangeNotify(NewChanListener(1), h.store, h.pipe, nil, zerolog.Nop())
	out = cn.Handle(ctx, evt.ID)
	assert.Equal(t, pipeline.Skipped, out.State)

	assert.Equal(t, 1, h.stats.count(evt.ID))
	assert.Equal(t, int32(1), h.pub.n.Load())
}

func TestChangeNotifyForeignWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "written elsewhere", nil)

	// another process stored it and announced the id
	require.NoError(t, h.store.SaveEvent(ctx, evt))

	listener := NewChanListener(4)
	cn := NewChangeNotify(listener, h.store, h.pipe, h.enc, zerolog.Nop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- cn.Run(runCtx) }()

	require.NoError(t, listener.Notify(ctx, evt.ID))
	require.NoError(t, listener.Notify(ctx, evt.ID))
	require.Eventually(t, func() bool { return h.pub.n.Load() == 1 && h.enc.Contains(evt.ID) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, h.stats.count(evt.ID), "the writer that stored it owns the stats")
	assert.Equal(t, int32(1), h.pub.n.Load(), "delivered to local subscribers once")
}

func TestChangeNotifyUnknownID(t *testing.T) {
	h := newHarness(t)
	cn := NewChangeNotify(NewChanListener(1), h.store, h.pipe, h.enc, zerolog.Nop())

	out := cn.Handle(context.Background(), "0000000000000000000000000000000000000000000000000000000000000000")
	assert.Equal(t, pipeline.Dropped, out.State)
	assert.Error(t, out.Err)
}

func TestToNostrFilter(t *testing.T) {
	since := int64(100)
	limit := 0
	nf := ToNostrFilter(&event.Filter{
		Authors: []string{"abc"},
		Kinds:   []int{1, 6},
		Tags:    map[string][]string{"t": {"nostr"}},
		Since:   &since,
		Limit:   &limit,
	})

	assert.Equal(t, []string{"abc"}, nf.Authors)
	assert.Equal(t, []int{1, 6}, nf.Kinds)
	assert.Equal(t, []string{"nostr"}, nf.Tags["t"])
	require.NotNil(t, nf.Since)
	assert.Equal(t, int64(100), int64(*nf.Since))
	assert.Nil(t, nf.Until)
	assert.True(t, nf.LimitZero)
}
