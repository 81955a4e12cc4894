package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paul/grapevine/internal/cache"
	"github.com/paul/grapevine/internal/policy"
	"github.com/paul/grapevine/internal/store/memory"
	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/internal/verify"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStats struct {
	mu      sync.Mutex
	applied map[string]int
	err     error
}

func (c *countingStats) Apply(_ context.Context, evt *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applied == nil {
		c.applied = make(map[string]int)
	}
	c.applied[evt.ID]++
	return c.err
}

func (c *countingStats) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[id]
}

type countingPublisher struct{ n atomic.Int32 }

func (c *countingPublisher) Publish(*event.Event) int {
	c.n.Add(1)
	return 1
}

type countingRepublisher struct{ n atomic.Int32 }

func (c *countingRepublisher) Republish(context.Context, *event.Event) error {
	c.n.Add(1)
	return nil
}

type harness struct {
	p     *Pipeline
	store *memory.Store
	stats *countingStats
	pub   *countingPublisher
	rep   *countingRepublisher
	enc   *cache.Encounter
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		stats: &countingStats{},
		pub:   &countingPublisher{},
		rep:   &countingRepublisher{},
		enc:   cache.NewEncounter(1000, time.Minute),
	}
	opts := Options{
		Encounter: h.enc,
		Verifier: verify.Func(func(_ context.Context, evt *event.Event) (bool, error) {
			return verify.Check(evt), nil
		}),
		Store:       h.store,
		Stats:       h.stats,
		Notifier:    h.pub,
		Republisher: h.rep,
		Log:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.p = New(opts)
	t.Cleanup(h.p.Wait)
	return h
}

func (h *harness) stored(t *testing.T, id string) bool {
	_, err := h.store.GetEvent(context.Background(), id)
	return err == nil
}

func TestProcess_Accepts(t *testing.T) {
	h := newHarness(t, nil)
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "hello", nil)

	out := h.p.Process(context.Background(), evt, SourceDirect)
	assert.Equal(t, Done, out.State)
	assert.True(t, out.Accepted())
	assert.Empty(t, out.Message())
	assert.True(t, h.stored(t, evt.ID))
	assert.Equal(t, 1, h.stats.count(evt.ID))
	assert.Equal(t, int32(1), h.pub.n.Load())

	h.p.Wait()
	assert.Equal(t, int32(1), h.rep.n.Load())
}

func TestProcess_VerificationGate(t *testing.T) {
	h := newHarness(t, nil)
	kp := testutil.MustGenerateKeyPair()

	forged := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "original", nil)
	forged.Content = "tampered"

	badSig := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "signed", nil)
	other := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "x", nil)
	badSig.Sig = other.Sig

	for _, evt := range []*event.Event{forged, badSig} {
		out := h.p.Process(context.Background(), evt, SourceDirect)
		assert.Equal(t, Dropped, out.State)
		require.NotNil(t, out.Rejection)
		assert.Equal(t, policy.CategoryInvalid, out.Rejection.Category)
		assert.False(t, h.stored(t, evt.ID))
		assert.False(t, h.enc.Contains(evt.ID))
	}
	assert.Equal(t, 0, h.store.Count())
	assert.Equal(t, int32(0), h.pub.n.Load())
}

func TestProcess_ForgedCopyDoesNotShadowGenuine(t *testing.T) {
	h := newHarness(t, nil)
	kp := testutil.MustGenerateKeyPair()
	genuine := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "real", nil)

	// same id, someone else's signature
	forged := *genuine
	forged.Sig = testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "x", nil).Sig

	out := h.p.Process(context.Background(), &forged, SourceFirehose)
	require.Equal(t, Dropped, out.State)

	out = h.p.Process(context.Background(), genuine, SourceDirect)
	assert.Equal(t, Done, out.State)
	assert.False(t, out.Duplicate)
	assert.True(t, h.stored(t, genuine.ID))
	assert.Equal(t, 1, h.stats.count(genuine.ID))
}

func TestProcess_PendingDuplicateIsNotAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "x", nil)

	// a first run holds the id but has not finished
	require.False(t, h.enc.Seen(evt.ID))

	out := h.p.Process(context.Background(), evt, SourceDirect)
	assert.Equal(t, Skipped, out.State)
	assert.True(t, out.Pending)
	assert.False(t, out.Accepted())
	assert.Equal(t, "duplicate: event is still being processed", out.Message())
	assert.False(t, h.stored(t, evt.ID))
}

func TestProcess_MalformedIsNotRemembered(t *testing.T) {
	h := newHarness(t, nil)
	evt := &event.Event{ID: "short", Kind: event.KindNote}

	out := h.p.Process(context.Background(), evt, SourceFirehose)
	assert.Equal(t, Dropped, out.State)
	assert.Equal(t, policy.CategoryInvalid, out.Rejection.Category)
	assert.False(t, h.enc.Contains("short"))

	out = h.p.Process(context.Background(), nil, SourceFirehose)
	assert.Equal(t, Dropped, out.State)
}

func TestProcess_IdempotentSubmission(t *testing.T) {
	h := newHarness(t, nil)
	kp := testutil.MustGenerateKeyPair()
	target := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "target", nil)
	reaction := testutil.MustSign(kp, testutil.DefaultCreatedAt+1, event.KindReaction, "+", [][]string{{"e", target.ID}})

	first := h.p.Process(context.Background(), reaction, SourceDirect)
	second := h.p.Process(context.Background(), reaction, SourceDirect)

	assert.Equal(t, Done, first.State)
	assert.Equal(t, Skipped, second.State)
	assert.True(t, second.Accepted())
	assert.Equal(t, "duplicate: already have this event", second.Message())

	// the encounter cache has expired; the store catches the repeat
	h.enc.Forget(reaction.ID)
	third := h.p.Process(context.Background(), reaction, SourceFirehose)
	assert.Equal(t, Done, third.State)
	assert.True(t, third.Duplicate)

	assert.Equal(t, 1, h.store.Count())
	assert.Equal(t, 1, h.stats.count(reaction.ID))
	assert.Equal(t, int32(1), h.pub.n.Load())
}

func TestProcess_ConcurrentDuplicatesOneSideEffect(t *testing.T) {
	h := newHarness(t, nil)
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "race", nil)

	var wg sync.WaitGroup
	var done atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := SourceFirehose
			if i%2 == 0 {
				src = SourceNotify
			}
			if h.p.Process(context.Background(), evt, src).State == Done {
				done.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), done.Load())
	assert.Equal(t, 1, h.stats.count(evt.ID))
	assert.Equal(t, int32(1), h.pub.n.Load())
}

func TestProcess_DedupAcrossPaths(t *testing.T) {
	h := newHarness(t, nil)
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "x", nil)

	out := h.p.Process(context.Background(), evt, SourceFirehose)
	require.Equal(t, Done, out.State)

	out = h.p.Process(context.Background(), evt, SourceNotify)
	assert.Equal(t, Skipped, out.State)

	assert.Equal(t, 1, h.stats.count(evt.ID))
	assert.Equal(t, int32(1), h.pub.n.Load())
	h.p.Wait()
	assert.Equal(t, int32(0), h.rep.n.Load(), "background events are not republished")
}

func TestProcess_NotifyConflictSkipsStats(t *testing.T) {
	h := newHarness(t, nil)
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "written elsewhere", nil)

	// another writer inserted the row and announced its id
	require.NoError(t, h.store.SaveEvent(context.Background(), evt))

	out := h.p.Process(context.Background(), evt, SourceNotify)
	assert.Equal(t, Done, out.State)
	assert.True(t, out.Duplicate)
	assert.Equal(t, 0, h.stats.count(evt.ID))
	assert.Equal(t, int32(1), h.pub.n.Load(), "local subscribers still see it")
	h.p.Wait()
	assert.Equal(t, int32(0), h.rep.n.Load())

	// a firehose copy of a row we already have has no side effects at all
	h.enc.Forget(evt.ID)
	out = h.p.Process(context.Background(), evt, SourceFirehose)
	assert.Equal(t, Done, out.State)
	assert.True(t, out.Duplicate)
	assert.Equal(t, 0, h.stats.count(evt.ID))
	assert.Equal(t, int32(1), h.pub.n.Load())
}

func TestProcess_TwoWritersOneStatsIncrement(t *testing.T) {
	a := newHarness(t, nil)
	// b is a second process: its own encounter cache, the same database
	b := newHarness(t, func(o *Options) {
		o.Encounter = cache.NewEncounter(1000, time.Minute)
		o.Store = a.store
		o.Stats = a.stats
	})
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "shared", nil)

	require.Equal(t, Done, a.p.Process(context.Background(), evt, SourceDirect).State)
	out := b.p.Process(context.Background(), evt, SourceNotify)
	assert.Equal(t, Done, out.State)

	assert.Equal(t, 1, a.stats.count(evt.ID))
	assert.Equal(t, 1, a.store.Count())
}

func TestProcess_PolicyRejection(t *testing.T) {
	var banned atomic.Bool
	banned.Store(true)
	h := newHarness(t, func(o *Options) {
		o.Policy = policy.Func(func(context.Context, *event.Event) (policy.Decision, error) {
			if banned.Load() {
				return policy.Reject(policy.CategoryBlocked, "you are banned"), nil
			}
			return policy.Accept(), nil
		})
	})
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "spam", nil)

	out := h.p.Process(context.Background(), evt, SourceDirect)
	assert.Equal(t, Dropped, out.State)
	assert.Equal(t, "blocked: you are banned", out.Message())
	assert.False(t, h.stored(t, evt.ID))

	assert.False(t, h.enc.Contains(evt.ID))

	// once the policy changes its mind the same event goes through
	banned.Store(false)
	out = h.p.Process(context.Background(), evt, SourceDirect)
	assert.Equal(t, Done, out.State)
	assert.True(t, h.stored(t, evt.ID))
}

func TestProcess_PolicyTimeoutFailsClosed(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	h := newHarness(t, func(o *Options) {
		o.Timeouts.Policy = 20 * time.Millisecond
		o.Policy = policy.Func(func(ctx context.Context, _ *event.Event) (policy.Decision, error) {
			if slow.Load() {
				<-ctx.Done()
				return policy.Decision{}, ctx.Err()
			}
			return policy.Accept(), nil
		})
	})
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "x", nil)

	out := h.p.Process(context.Background(), evt, SourceDirect)
	assert.Equal(t, Dropped, out.State)
	assert.Equal(t, "error: policy timed out", out.Message())
	var serr *StageError
	require.True(t, errors.As(out.Err, &serr))
	assert.Equal(t, PolicyChecking, serr.Stage)
	assert.False(t, h.stored(t, evt.ID))

	// the id was forgotten, so a retry runs again
	slow.Store(false)
	out = h.p.Process(context.Background(), evt, SourceDirect)
	assert.Equal(t, Done, out.State)
}

func TestProcess_StatsFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.stats.err = errors.New("stats table locked")
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, event.KindNote, "x", nil)

	out := h.p.Process(context.Background(), evt, SourceFirehose)
	assert.Equal(t, Done, out.State)
	assert.Equal(t, int32(1), h.pub.n.Load())
}

func TestProcess_DirectRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AuthorLimiter = ratelimit.NewKeyed(0.001, 1)
	})
	kp := testutil.MustGenerateKeyPair()
	a := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "a", nil)
	b := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "b", nil)

	assert.Equal(t, Done, h.p.Process(context.Background(), a, SourceDirect).State)

	out := h.p.Process(context.Background(), b, SourceDirect)
	assert.Equal(t, Dropped, out.State)
	assert.Equal(t, policy.CategoryRateLimited, out.Rejection.Category)
	assert.False(t, h.enc.Contains(b.ID))

	// background paths are not limited
	assert.Equal(t, Done, h.p.Process(context.Background(), b, SourceFirehose).State)
}

func TestProcess_EphemeralIsNotStored(t *testing.T) {
	h := newHarness(t, nil)
	evt := testutil.MustSign(testutil.MustGenerateKeyPair(), testutil.DefaultCreatedAt, 20001, "typing", nil)

	out := h.p.Process(context.Background(), evt, SourceDirect)
	assert.Equal(t, Done, out.State)
	assert.False(t, h.stored(t, evt.ID))
	assert.Equal(t, 0, h.stats.count(evt.ID))
	assert.Equal(t, int32(1), h.pub.n.Load())
}

func TestSubmit_BoundedConcurrency(t *testing.T) {
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	h := newHarness(t, func(o *Options) {
		o.Concurrency = 2
		o.Policy = policy.Func(func(context.Context, *event.Event) (policy.Decision, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return policy.Accept(), nil
		})
		o.Timeouts.Policy = 5 * time.Second
	})
	kp := testutil.MustGenerateKeyPair()

	var outcomes atomic.Int32
	submitted := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			evt := testutil.MustSign(kp, testutil.DefaultCreatedAt+int64(i), event.KindNote, "x", nil)
			assert.NoError(t, h.p.Submit(context.Background(), evt, SourceFirehose, func(Outcome) { outcomes.Add(1) }))
		}
		close(submitted)
	}()

	assert.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	select {
	case <-submitted:
		t.Fatal("submit should block while permits are exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-submitted
	h.p.Wait()
	assert.Equal(t, int32(4), outcomes.Load())
	assert.Equal(t, int32(2), peak.Load())
}

func TestRejectionString(t *testing.T) {
	r := &Rejection{Category: policy.CategoryPoW, Message: "difficulty 3 is less than 8"}
	assert.Equal(t, "pow: difficulty 3 is less than 8", r.String())
	assert.EqualError(t, r, r.String())

	assert.Equal(t, "policy", PolicyChecking.String())
	assert.True(t, Dropped.Terminal())
	assert.False(t, Persisting.Terminal())
	assert.Equal(t, "notify", SourceNotify.String())
}
