package nip25

import (
	"testing"

	"github.com/paul/grapevine/pkg/event"
	"github.com/stretchr/testify/assert"
)

const (
	targetID  = "768ac8720cdeb59227cf95e98b66560ef03d8bc9a90d721779e76e68fb42f5e6"
	targetPub = "3721e07b079525289877c366ccab47112bdff3d1b44758ca333feb2dbbbbe5bb"
)

func reaction(content string, tags event.Tags) *event.Event {
	return &event.Event{Kind: event.KindReaction, Content: content, Tags: tags}
}

func TestValidateReaction(t *testing.T) {
	tests := []struct {
		name        string
		event       *event.Event
		expectError bool
	}{
		{"Valid like", reaction("+", event.Tags{{"e", targetID}, {"p", targetPub}, {"k", "1"}}), false},
		{"Valid dislike", reaction("-", event.Tags{{"e", targetID}}), false},
		{"Valid empty content", reaction("", event.Tags{{"e", targetID}}), false},
		{"Valid emoji", reaction("❤️", event.Tags{{"e", targetID}}), false},
		{"Valid shortcode", reaction(":soapbox:", event.Tags{{"e", targetID}, {"emoji", "soapbox", "https://example.com/soapbox.png"}}), false},
		{"Missing e tag", reaction("+", event.Tags{{"p", targetPub}}), true},
		{"Bad k tag", reaction("+", event.Tags{{"e", targetID}, {"k", "note"}}), true},
		{"Bad shortcode", reaction(":soapbox", event.Tags{{"e", targetID}}), true},
		{"Not a reaction", &event.Event{Kind: event.KindNote}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReaction(tt.event)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTarget(t *testing.T) {
	evt := reaction("+", event.Tags{{"e", "root"}, {"e", targetID}, {"p", "other"}, {"p", targetPub}})

	id, ok := Target(evt)
	assert.True(t, ok)
	assert.Equal(t, targetID, id)

	pk, ok := TargetAuthor(evt)
	assert.True(t, ok)
	assert.Equal(t, targetPub, pk)

	_, ok = Target(reaction("+", nil))
	assert.False(t, ok)
}

func TestSymbol(t *testing.T) {
	assert.Equal(t, Like, Symbol(reaction("", nil)))
	assert.Equal(t, Like, Symbol(reaction(" + ", nil)))
	assert.Equal(t, Dislike, Symbol(reaction("-", nil)))
	assert.Equal(t, "🤙", Symbol(reaction("🤙", nil)))
}
