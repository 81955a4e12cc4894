package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/paul/grapevine/internal/store/storetest"
	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to GRAPEVINE_TEST_POSTGRES and empties the tables.
func setupTestDB(t *testing.T) *Store {
	return setupTestDBWith(t, DefaultOptions())
}

func setupTestDBWith(t *testing.T, opts *Options) *Store {
	dsn := os.Getenv("GRAPEVINE_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("GRAPEVINE_TEST_POSTGRES not set")
	}

	ctx := context.Background()
	opts.NotifyChannel = "grapevine_test"
	store, err := New(ctx, dsn, opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.pool.Exec(ctx, `TRUNCATE event_tags, deletions, event_reactions, event_stats, author_stats, events`)
	require.NoError(t, err)
	return store
}

func TestPostgresStore_Backend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Backend {
		return setupTestDB(t)
	})
}

func TestPostgresStore_NotifiesOnInsert(t *testing.T) {
	store := setupTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := NewListener(store.Pool(), "grapevine_test").Listen(ctx)
	require.NoError(t, err)

	evt, _ := testutil.MustNewTestEvent(1, "notify me", nil)
	require.NoError(t, store.SaveEvent(ctx, evt))
	// duplicates don't notify
	require.ErrorIs(t, store.SaveEvent(ctx, evt), storage.ErrDuplicate)

	select {
	case id := <-ids:
		assert.Equal(t, evt.ID, id)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}

	select {
	case id := <-ids:
		t.Fatalf("unexpected second notification %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestListenerUnlistensOnCancel(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConns = 1
	store := setupTestDBWith(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	ids, err := NewListener(store.Pool(), "grapevine_test").Listen(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ids:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}

	// the pool's only connection is the one that listened, unless it was closed
	var listening int
	err = store.Pool().QueryRow(context.Background(), "SELECT count(*) FROM pg_listening_channels()").Scan(&listening)
	require.NoError(t, err)
	assert.Zero(t, listening)
}
