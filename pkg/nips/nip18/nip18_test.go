package nip18

import (
	"testing"

	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepostTarget(t *testing.T) {
	id, ok := RepostTarget(&event.Event{Kind: event.KindRepost, Tags: event.Tags{{"e", "abc"}, {"p", "def"}}})
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = RepostTarget(&event.Event{Kind: event.KindGenericRepost})
	assert.False(t, ok)

	_, ok = RepostTarget(&event.Event{Kind: event.KindNote, Tags: event.Tags{{"e", "abc"}}})
	assert.False(t, ok)
}

func TestEmbeddedRepost(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()
	orig := testutil.MustSign(kp, testutil.DefaultCreatedAt, event.KindNote, "hello <world>", nil)

	repost := &event.Event{Kind: event.KindRepost, Content: orig.String(), Tags: event.Tags{{"e", orig.ID}}}
	inner, ok := EmbeddedRepost(repost)
	require.True(t, ok)
	assert.Equal(t, orig.ID, inner.ID)
	assert.NoError(t, inner.Validate())

	mismatched := &event.Event{Kind: event.KindRepost, Content: orig.String(), Tags: event.Tags{{"e", "other"}}}
	_, ok = EmbeddedRepost(mismatched)
	assert.False(t, ok)

	_, ok = EmbeddedRepost(&event.Event{Kind: event.KindRepost, Content: ""})
	assert.False(t, ok)
}

func TestQuoteTargets(t *testing.T) {
	evt := &event.Event{Kind: event.KindNote, Tags: event.Tags{{"q", "a"}, {"e", "b"}, {"q", "c", "wss://r"}}}
	assert.Equal(t, []string{"a", "c"}, QuoteTargets(evt))
}
