package nip10

import (
	"testing"

	"github.com/paul/grapevine/pkg/event"
	"github.com/stretchr/testify/require"
)

const (
	event1 = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	event2 = "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
)

func note(tags event.Tags) *event.Event {
	return &event.Event{Kind: event.KindNote, Tags: tags}
}

func TestParent(t *testing.T) {
	tests := []struct {
		name string
		tags event.Tags
		want string
	}{
		{"marked reply", event.Tags{{"e", event1, "", "root"}, {"e", event2, "", "reply"}}, event2},
		{"root only", event.Tags{{"e", event1, "", "root"}}, event1},
		{"positional", event.Tags{{"e", event1}, {"e", event2}}, event2},
		{"mention skipped", event.Tags{{"e", event1, "", "mention"}, {"e", event2}}, event2},
		{"only mention", event.Tags{{"e", event1, "", "mention"}}, ""},
		{"no e tags", event.Tags{{"p", "pubkey1"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Parent(note(tt.tags)))
		})
	}

	require.Empty(t, Parent(&event.Event{Kind: event.KindReaction, Tags: event.Tags{{"e", event1}}}))
}

func TestRoot(t *testing.T) {
	require.Equal(t, event1, Root(note(event.Tags{{"e", event1, "relay1", "root"}, {"e", event2, "relay2", "reply"}})))
	require.Equal(t, event2, Root(note(event.Tags{{"e", event2, "relay2"}, {"p", "pubkey1"}})))
	require.Empty(t, Root(note(event.Tags{{"p", "pubkey1"}})))
}

func TestMentions(t *testing.T) {
	got := Mentions(note(event.Tags{{"e", event1, "", "mention"}, {"e", event2, "", "reply"}}))
	require.Equal(t, []string{event1}, got)
}
