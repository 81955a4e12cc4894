// Package storetest holds the behaviour every storage.Backend must share.
package storetest

import (
	"context"
	"testing"

	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// Run executes the shared backend suite.
func Run(t *testing.T, newBackend Factory) {
	t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, newBackend(t)) })
	t.Run("DuplicateIsIdempotent", func(t *testing.T) { testDuplicate(t, newBackend(t)) })
	t.Run("OrderingTieBreak", func(t *testing.T) { testOrdering(t, newBackend(t)) })
	t.Run("TagFilters", func(t *testing.T) { testTagFilters(t, newBackend(t)) })
	t.Run("FiltersAreDisjunctive", func(t *testing.T) { testDisjunction(t, newBackend(t)) })
	t.Run("PerFilterLimit", func(t *testing.T) { testLimit(t, newBackend(t)) })
	t.Run("Count", func(t *testing.T) { testCount(t, newBackend(t)) })
	t.Run("DeletionByAuthor", func(t *testing.T) { testDeletion(t, newBackend(t)) })
	t.Run("DeletionByOtherIgnored", func(t *testing.T) { testForeignDeletion(t, newBackend(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newBackend(t)) })
	t.Run("EventStats", func(t *testing.T) { testEventStats(t, newBackend(t)) })
	t.Run("AuthorStats", func(t *testing.T) { testAuthorStats(t, newBackend(t)) })
}

func save(t *testing.T, s storage.Store, events ...*event.Event) {
	t.Helper()
	for _, evt := range events {
		require.NoError(t, s.SaveEvent(context.Background(), evt))
	}
}

func ids(events []*event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func testSaveAndGet(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	evt, _ := testutil.MustNewTestEvent(1, "hello", [][]string{{"t", "go"}, {"e", "x", "wss://r", "root"}})
	save(t, s, evt)

	got, err := s.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, evt.PubKey, got.PubKey)
	assert.Equal(t, evt.Content, got.Content)
	assert.Equal(t, evt.Tags, got.Tags)
	assert.Equal(t, evt.Sig, got.Sig)
	assert.NoError(t, got.Validate())

	_, err = s.GetEvent(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDuplicate(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	evt, _ := testutil.MustNewTestEvent(1, "once", nil)
	save(t, s, evt)

	err := s.SaveEvent(ctx, evt)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	n, err := s.CountEvents(ctx, []*event.Filter{{IDs: []string{evt.ID}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testOrdering(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	kp := testutil.MustGenerateKeyPair()
	var events []*event.Event
	for i := 0; i < 5; i++ {
		events = append(events, testutil.MustSign(kp, 5000, 1, string(rune('a'+i)), nil))
	}
	newer := testutil.MustSign(kp, 6000, 1, "newer", nil)
	older := testutil.MustSign(kp, 4000, 1, "older", nil)
	save(t, s, events...)
	save(t, s, newer, older)

	got, err := s.QueryEvents(ctx, []*event.Filter{{Authors: []string{kp.PubKeyHex}}})
	require.NoError(t, err)
	require.Len(t, got, 7)

	expected := append([]*event.Event{newer, older}, events...)
	event.Sort(expected)
	assert.Equal(t, ids(expected), ids(got))
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, older.ID, got[6].ID)
	for i := 1; i < 5; i++ {
		assert.Less(t, got[i].ID, got[i+1].ID)
	}
}

func testTagFilters(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	a, _ := testutil.MustNewTestEvent(1, "a", [][]string{{"t", "go"}, {"p", "pk1"}})
	b, _ := testutil.MustNewTestEvent(1, "b", [][]string{{"t", "rust"}, {"p", "pk1"}})
	c, _ := testutil.MustNewTestEvent(1, "c", [][]string{{"t", "go"}})
	save(t, s, a, b, c)

	got, err := s.QueryEvents(ctx, []*event.Filter{{Tags: map[string][]string{"t": {"go", "zig"}}}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids(got))

	got, err = s.QueryEvents(ctx, []*event.Filter{{Tags: map[string][]string{"t": {"go"}, "p": {"pk1"}}}})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(got))

	got, err = s.QueryEvents(ctx, []*event.Filter{{Tags: map[string][]string{"t": {"g"}}}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDisjunction(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	a, _ := testutil.MustNewTestEvent(1, "a", nil)
	b, _ := testutil.MustNewTestEvent(7, "+", nil)
	c, _ := testutil.MustNewTestEvent(3, "", nil)
	save(t, s, a, b, c)

	got, err := s.QueryEvents(ctx, []*event.Filter{
		{Kinds: []int{1}},
		{Kinds: []int{7}},
		{IDs: []string{a.ID}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(got))
}

func testLimit(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	kp := testutil.MustGenerateKeyPair()
	for i := 0; i < 10; i++ {
		save(t, s, testutil.MustSign(kp, int64(100+i), 1, "n", nil))
	}
	three, zero := 3, 0

	got, err := s.QueryEvents(ctx, []*event.Filter{{Authors: []string{kp.PubKeyHex}, Limit: &three}})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(109), got[0].CreatedAt)
	assert.Equal(t, int64(107), got[2].CreatedAt)

	got, err = s.QueryEvents(ctx, []*event.Filter{{Authors: []string{kp.PubKeyHex}, Limit: &zero}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testCount(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	kp := testutil.MustGenerateKeyPair()
	for i := 0; i < 4; i++ {
		save(t, s, testutil.MustSign(kp, int64(100+i), 1, "n", nil))
	}
	save(t, s, testutil.MustSign(kp, 200, 7, "+", nil))
	one := 1

	n, err := s.CountEvents(ctx, []*event.Filter{{Authors: []string{kp.PubKeyHex}, Kinds: []int{1}, Limit: &one}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = s.CountEvents(ctx, []*event.Filter{{Kinds: []int{1}}, {Kinds: []int{7}}, {Authors: []string{kp.PubKeyHex}}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func testDeletion(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	kp := testutil.MustGenerateKeyPair()
	note := testutil.MustSign(kp, 100, 1, "regret", nil)
	keep := testutil.MustSign(kp, 101, 1, "keep", nil)
	del := testutil.MustSign(kp, 102, event.KindDeletion, "", [][]string{{"e", note.ID}})
	save(t, s, note, keep, del)

	got, err := s.QueryEvents(ctx, []*event.Filter{{Kinds: []int{1}, Authors: []string{kp.PubKeyHex}}})
	require.NoError(t, err)
	assert.Equal(t, []string{keep.ID}, ids(got))

	_, err = s.GetEvent(ctx, note.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	raw, err := s.GetRawEvent(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, "regret", raw.Content)

	// the tombstone itself stays queryable
	got, err = s.QueryEvents(ctx, []*event.Filter{{Kinds: []int{event.KindDeletion}}})
	require.NoError(t, err)
	assert.Equal(t, []string{del.ID}, ids(got))

	// re-submitting the deleted event is still a duplicate, not a revival
	assert.ErrorIs(t, s.SaveEvent(ctx, note), storage.ErrDuplicate)
}

func testForeignDeletion(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	note, _ := testutil.MustNewTestEvent(1, "mine", nil)
	del, _ := testutil.MustNewTestEvent(event.KindDeletion, "", [][]string{{"e", note.ID}})
	save(t, s, note, del)

	got, err := s.GetEvent(ctx, note.ID)
	require.NoError(t, err)
	assert.Equal(t, note.ID, got.ID)
}

func testSearch(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	a, _ := testutil.MustNewTestEvent(1, "Learning Go concurrency", nil)
	b, _ := testutil.MustNewTestEvent(1, "Rust ownership", nil)
	save(t, s, a, b)

	got, err := s.QueryEvents(ctx, []*event.Filter{{Search: "go CONCURRENCY"}})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(got))
}

func testEventStats(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	id := "1111111111111111111111111111111111111111111111111111111111111111"

	require.NoError(t, s.ApplyEventStats(ctx, id, storage.EventStatsDelta{Replies: 1, Reactions: map[string]int64{"+": 2}}))
	require.NoError(t, s.ApplyEventStats(ctx, id, storage.EventStatsDelta{Reposts: 1, Quotes: 1, Zaps: 21, ZapsCashu: 5}))
	require.NoError(t, s.ApplyEventStats(ctx, id, storage.EventStatsDelta{Reactions: map[string]int64{"+": -1, "🔥": 1}}))

	rows, err := s.GetEventStats(ctx, []string{id, "missing"})
	require.NoError(t, err)
	require.Contains(t, rows, id)
	assert.NotContains(t, rows, "missing")

	row := rows[id]
	assert.Equal(t, int64(1), row.RepliesCount)
	assert.Equal(t, int64(1), row.RepostsCount)
	assert.Equal(t, int64(1), row.QuotesCount)
	assert.Equal(t, int64(21), row.ZapsAmount)
	assert.Equal(t, int64(5), row.ZapsAmountCashu)
	assert.Equal(t, map[string]int64{"+": 1, "🔥": 1}, row.Reactions)

	require.NoError(t, s.PutEventStats(ctx, &storage.EventStats{EventID: id, RepliesCount: 9, Reactions: map[string]int64{"-": 1}}))
	rows, err = s.GetEventStats(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, int64(9), rows[id].RepliesCount)
	assert.Equal(t, int64(0), rows[id].RepostsCount)
	assert.Equal(t, map[string]int64{"-": 1}, rows[id].Reactions)
}

func testAuthorStats(t *testing.T, s storage.Backend) {
	ctx := context.Background()
	pk := "2222222222222222222222222222222222222222222222222222222222222222"
	following := int64(12)

	require.NoError(t, s.ApplyAuthorStats(ctx, pk, storage.AuthorStatsDelta{Notes: 2, Followers: 3}))
	require.NoError(t, s.ApplyAuthorStats(ctx, pk, storage.AuthorStatsDelta{Followers: -1, FollowingCount: &following}))

	rows, err := s.GetAuthorStats(ctx, []string{pk})
	require.NoError(t, err)
	require.Contains(t, rows, pk)
	assert.Equal(t, int64(2), rows[pk].NotesCount)
	assert.Equal(t, int64(2), rows[pk].FollowersCount)
	assert.Equal(t, int64(12), rows[pk].FollowingCount)
	assert.Nil(t, rows[pk].StreakEnd)

	start, end := int64(100), int64(200)
	require.NoError(t, s.PutAuthorStats(ctx, &storage.AuthorStats{
		PubKey: pk, FollowersCount: 5, FollowingCount: 1, NotesCount: 7, StreakStart: &start, StreakEnd: &end,
	}))
	rows, err = s.GetAuthorStats(ctx, []string{pk})
	require.NoError(t, err)
	require.NotNil(t, rows[pk].StreakStart)
	assert.Equal(t, int64(100), *rows[pk].StreakStart)
	assert.Equal(t, int64(200), *rows[pk].StreakEnd)
	assert.Equal(t, int64(7), rows[pk].NotesCount)
}
