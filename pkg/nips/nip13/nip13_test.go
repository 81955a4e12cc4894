package nip13

import (
	"testing"

	"github.com/paul/grapevine/pkg/event"
	"github.com/stretchr/testify/assert"
)

func TestDifficulty(t *testing.T) {
	tests := []struct {
		id   string
		want int
	}{
		{"000000000e9d97a1ab09fc381030b346cdd7a142ad57e6df0b46dc9bef6c7e2d", 36},
		{"ff00000000000000000000000000000000000000000000000000000000000000", 0},
		{"0f00000000000000000000000000000000000000000000000000000000000000", 4},
		{"not-hex", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Difficulty(tt.id), tt.id)
	}
}

func TestCheck(t *testing.T) {
	evt := &event.Event{ID: "000000000e9d97a1ab09fc381030b346cdd7a142ad57e6df0b46dc9bef6c7e2d"}
	assert.True(t, Check(evt, 20))
	assert.True(t, Check(evt, 0))
	assert.False(t, Check(evt, 40))

	evt.Tags = event.Tags{{"nonce", "776797", "20"}}
	assert.True(t, Check(evt, 20))
	assert.False(t, Check(evt, 21))
}
