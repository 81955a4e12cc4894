package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_MatchesFilters(t *testing.T) {
	n := New(8, zerolog.Nop())
	kp := testutil.MustGenerateKeyPair()

	notes := n.Subscribe(context.Background(), []*event.Filter{{Kinds: []int{event.KindNote}}})
	defer notes.Close()
	tagged := n.Subscribe(context.Background(), []*event.Filter{{Tags: map[string][]string{"t": {"go"}}}})
	defer tagged.Close()

	note := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "hi", [][]string{{"t", "go"}})
	reaction := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindReaction, "+", [][]string{{"e", note.ID}})

	assert.Equal(t, 2, n.Publish(note))
	assert.Equal(t, 0, n.Publish(reaction))

	select {
	case got := <-notes.C():
		assert.Equal(t, note.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	assert.Len(t, tagged.C(), 1)
}

func TestSubscribe_ContextCancelCloses(t *testing.T) {
	n := New(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	sub := n.Subscribe(ctx, []*event.Filter{{}})
	assert.Equal(t, 1, n.Len())

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, 0, n.Len())

	sub.Close()
}

func TestPublish_FullQueueDoesNotBlock(t *testing.T) {
	n := New(1, zerolog.Nop())
	sub := n.Subscribe(context.Background(), []*event.Filter{{}})
	defer sub.Close()

	evt := &event.Event{ID: "a", Kind: event.KindNote}
	assert.Equal(t, 1, n.Publish(evt))
	assert.Equal(t, 0, n.Publish(evt))
}

func TestNostrConversion(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()
	evt := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "round trip", [][]string{{"t", "x"}, {"p", kp.PubKeyHex, "wss://r"}})

	ne := ToNostr(evt)
	ok, err := ne.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, nostr.Timestamp(evt.CreatedAt), ne.CreatedAt)

	back := FromNostr(&ne)
	assert.Equal(t, evt, back)
}
