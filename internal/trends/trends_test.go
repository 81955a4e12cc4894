package trends

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/paul/grapevine/internal/store/memory"
	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = testutil.DefaultCreatedAt

func newAggregator(t *testing.T, store *memory.Store, minAuthors int) *Aggregator {
	t.Helper()
	a := New(store, Options{MinAuthors: minAuthors, Log: zerolog.Nop()})
	a.now = func() time.Time { return time.Unix(t0+3600, 0) }
	return a
}

func TestScore(t *testing.T) {
	a := &storage.EventStats{RepostsCount: 3, RepliesCount: 1}
	b := &storage.EventStats{RepostsCount: 1, RepliesCount: 5, Reactions: map[string]int64{"+": 1, "🔥": 1}}

	assert.Equal(t, int64(7), Score(a))
	assert.Equal(t, int64(9), Score(b))
	assert.Zero(t, Score(nil))
}

func TestRefreshEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	kp := testutil.MustGenerateKeyPair()

	a := testutil.MustSign(kp, t0, event.KindNote, "a", nil)
	b := testutil.MustSign(kp, t0+1, event.KindNote, "b", nil)
	quiet := testutil.MustSign(kp, t0+2, event.KindNote, "quiet", nil)
	old := testutil.MustSign(kp, t0-2*86400, event.KindNote, "old", nil)
	for _, e := range []*event.Event{a, b, quiet, old} {
		require.NoError(t, store.SaveEvent(ctx, e))
	}
	require.NoError(t, store.PutEventStats(ctx, &storage.EventStats{EventID: a.ID, RepostsCount: 3, RepliesCount: 1}))
	require.NoError(t, store.PutEventStats(ctx, &storage.EventStats{EventID: b.ID, RepostsCount: 1, RepliesCount: 5, Reactions: map[string]int64{"+": 2}}))
	require.NoError(t, store.PutEventStats(ctx, &storage.EventStats{EventID: old.ID, RepostsCount: 50}))

	agg := newAggregator(t, store, 3)
	assert.Empty(t, agg.Get(Events).Entries, "nothing before the first refresh")

	require.NoError(t, agg.Refresh(ctx, Events))
	got := agg.Get(Events)
	require.Len(t, got.Entries, 2, "zero scores and events outside the window are left out")
	assert.Equal(t, b.ID, got.Entries[0].Key)
	assert.Equal(t, int64(9), got.Entries[0].Score)
	assert.Equal(t, a.ID, got.Entries[1].Key)
	assert.Equal(t, int64(7), got.Entries[1].Score)
}

func TestRefreshHashtags(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	authors := make([]*testutil.KeyPair, 4)
	for i := range authors {
		authors[i] = testutil.MustGenerateKeyPair()
	}
	post := func(kp *testutil.KeyPair, at int64, tags ...string) {
		var tt [][]string
		for _, v := range tags {
			tt = append(tt, []string{"t", v})
		}
		require.NoError(t, store.SaveEvent(ctx, testutil.MustSign(kp, at, event.KindNote, "post", tt)))
	}

	// nostr: 3 authors, 4 uses. go: 3 authors, 3 uses. spam: 1 author, many uses.
	post(authors[0], t0, "Nostr", "go")
	post(authors[1], t0+1, "nostr", "go")
	post(authors[2], t0+2, "NOSTR", "go")
	post(authors[2], t0+3, "nostr")
	for i := 0; i < 10; i++ {
		post(authors[3], t0+int64(i), "spam")
	}

	agg := newAggregator(t, store, 3)
	require.NoError(t, agg.Refresh(ctx, Hashtags))

	got := agg.Get(Hashtags).Entries
	require.Len(t, got, 2)
	assert.Equal(t, "nostr", got[0].Key, "ties on authors break on uses")
	assert.Equal(t, 3, got[0].Authors)
	assert.Equal(t, 4, got[0].Uses)
	assert.Equal(t, "go", got[1].Key)
}

func TestRefreshZapped(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	kp := testutil.MustGenerateKeyPair()
	wallet := testutil.MustGenerateKeyPair()

	small := testutil.MustSign(kp, t0, event.KindNote, "small", nil)
	big := testutil.MustSign(kp, t0+1, event.KindNote, "big", nil)
	receipts := []*event.Event{
		testutil.MustSign(wallet, t0+10, event.KindZapReceipt, "", [][]string{{"e", small.ID}, {"amount", "1000"}}),
		testutil.MustSign(wallet, t0+11, event.KindZapReceipt, "", [][]string{{"e", big.ID}, {"amount", "21000"}}),
		testutil.MustSign(wallet, t0+12, event.KindZapReceipt, "", [][]string{{"e", big.ID}, {"amount", "21000"}, {"P", kp.PubKeyHex}}),
	}
	for _, r := range receipts {
		require.NoError(t, store.SaveEvent(ctx, r))
	}

	agg := newAggregator(t, store, 3)
	require.NoError(t, agg.Refresh(ctx, Zapped))
	got := agg.Get(Zapped).Entries
	require.Len(t, got, 2)
	assert.Equal(t, big.ID, got[0].Key)
	assert.Equal(t, int64(42), got[0].Score)
	assert.Equal(t, 1, got[0].Authors)
	assert.Equal(t, small.ID, got[1].Key)
}

func TestRefreshReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	kp := testutil.MustGenerateKeyPair()
	note := testutil.MustSign(kp, t0, event.KindNote, "n", nil)
	require.NoError(t, store.SaveEvent(ctx, note))
	require.NoError(t, store.PutEventStats(ctx, &storage.EventStats{EventID: note.ID, RepliesCount: 1}))

	agg := newAggregator(t, store, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, agg.RefreshAll(ctx))
		}()
		go func() {
			defer wg.Done()
			r := agg.Get(Events)
			assert.True(t, len(r.Entries) == 0 || len(r.Entries) == 1)
		}()
	}
	wg.Wait()

	assert.Len(t, agg.Get(Events).Entries, 1)
	assert.Equal(t, time.Unix(t0+3600, 0), agg.Get(Events).ComputedAt)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("links")
	require.NoError(t, err)
	assert.Equal(t, Links, k)

	_, err = ParseKind("weather")
	assert.Error(t, err)
}
