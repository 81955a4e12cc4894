package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/paul/grapevine/internal/store/storetest"
	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Backend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Backend {
		return New()
	})
}

func TestMemoryStore_ConcurrentDuplicateSubmissions(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	evt, _ := testutil.MustNewTestEvent(1, "race", nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.SaveEvent(ctx, evt); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, storage.ErrDuplicate)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, store.Count())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	evt, _ := testutil.MustNewTestEvent(1, "late", nil)
	require.ErrorIs(t, store.SaveEvent(ctx, evt), context.Canceled)
	assert.Equal(t, 0, store.Count())
}

func TestMemoryStore_StatsNeverNegative(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.ApplyEventStats(ctx, "id", storage.EventStatsDelta{Replies: -3, Reactions: map[string]int64{"+": -1}}))
	rows, err := store.GetEventStats(ctx, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows["id"].RepliesCount)
	assert.Empty(t, rows["id"].Reactions)
}
