package nip57

import (
	"testing"

	"github.com/paul/grapevine/pkg/event"
	"github.com/stretchr/testify/assert"
)

const zapRequest = `{"kind":9734,"pubkey":"97c70a44366a6535c145b333f973ea86dfdc2d7a99da618c40c64705ad98e322","content":"","tags":[["p","04c915daefee38317fa734444acee390a8269fe5810b2241e5e6dd343dfbecc9"],["amount","21000"],["relays","wss://relay.example"]]}`

func TestAmount(t *testing.T) {
	tests := []struct {
		name  string
		tags  event.Tags
		msats uint64
	}{
		{"receipt amount tag", event.Tags{{"amount", "5000"}, {"description", zapRequest}}, 5000},
		{"embedded request amount", event.Tags{{"description", zapRequest}}, 21000},
		{"invalid description", event.Tags{{"description", "{not json"}}, 0},
		{"nothing", event.Tags{{"p", "x"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt := &event.Event{Kind: event.KindZapReceipt, Tags: tt.tags}
			assert.Equal(t, tt.msats, AmountMsats(receipt))
			assert.Equal(t, int64(tt.msats/1000), AmountSats(receipt))
		})
	}

	assert.Zero(t, AmountMsats(&event.Event{Kind: event.KindNote, Tags: event.Tags{{"amount", "5000"}}}))
}

func TestSender(t *testing.T) {
	receipt := &event.Event{Kind: event.KindZapReceipt, Tags: event.Tags{{"description", zapRequest}, {"P", "fallback"}}}
	pk, ok := Sender(receipt)
	assert.True(t, ok)
	assert.Equal(t, "97c70a44366a6535c145b333f973ea86dfdc2d7a99da618c40c64705ad98e322", pk)

	receipt = &event.Event{Kind: event.KindZapReceipt, Tags: event.Tags{{"P", "fallback"}}}
	pk, ok = Sender(receipt)
	assert.True(t, ok)
	assert.Equal(t, "fallback", pk)
}

func TestTargetAndRecipient(t *testing.T) {
	receipt := &event.Event{Kind: event.KindZapReceipt, Tags: event.Tags{{"p", "bob"}, {"e", "note"}}}
	id, ok := Target(receipt)
	assert.True(t, ok)
	assert.Equal(t, "note", id)
	pk, ok := Recipient(receipt)
	assert.True(t, ok)
	assert.Equal(t, "bob", pk)
}
