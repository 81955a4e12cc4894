package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/internal/worker"
	"github.com/paul/grapevine/pkg/config"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	p, err := New(config.PolicyConfig{})
	require.NoError(t, err)
	d, err := p.Evaluate(context.Background(), &event.Event{})
	require.NoError(t, err)
	assert.True(t, d.Accept)

	_, err = New(config.PolicyConfig{Name: "sane"})
	require.NoError(t, err)

	_, err = New(config.PolicyConfig{Name: "wasm:/tmp/x"})
	assert.Error(t, err)

	assert.Equal(t, []string{"accept-all", "sane"}, Names())
}

func TestChain(t *testing.T) {
	calls := 0
	count := Func(func(context.Context, *event.Event) (Decision, error) {
		calls++
		return Accept(), nil
	})
	block := Func(func(context.Context, *event.Event) (Decision, error) {
		return Reject(CategoryBlocked, "no"), nil
	})

	d, err := Chain(count, block, count).Evaluate(context.Background(), &event.Event{})
	require.NoError(t, err)
	assert.False(t, d.Accept)
	assert.Equal(t, CategoryBlocked, d.Category)
	assert.Equal(t, 1, calls)
}

func TestSane(t *testing.T) {
	kp := testutil.MustGenerateKeyPair()
	blocked := testutil.MustGenerateKeyPair()
	now := time.Unix(1700000000, 0)

	s := NewSane(config.PolicyConfig{
		MaxEventSize:     2048,
		MaxContentLength: 100,
		MaxTags:          3,
		MaxFutureSkew:    time.Minute,
		Blocked:          []string{blocked.PubKeyHex},
	})
	s.now = func() time.Time { return now }

	tests := []struct {
		name     string
		evt      *event.Event
		accept   bool
		category Category
	}{
		{"ok", testutil.MustSign(kp, now.Unix(), event.KindNote, "hi", nil), true, ""},
		{"blocked", testutil.MustSign(blocked, now.Unix(), event.KindNote, "hi", nil), false, CategoryBlocked},
		{"long content", testutil.MustSign(kp, now.Unix(), event.KindNote, strings.Repeat("a", 101), nil), false, CategoryInvalid},
		{"too many tags", testutil.MustSign(kp, now.Unix(), event.KindNote, "", [][]string{{"t", "a"}, {"t", "b"}, {"t", "c"}, {"t", "d"}}), false, CategoryInvalid},
		{"future", testutil.MustSign(kp, now.Add(time.Hour).Unix(), event.KindNote, "hi", nil), false, CategoryInvalid},
		{"expired", testutil.MustSign(kp, now.Unix(), event.KindNote, "hi", [][]string{{"expiration", "1600000000"}}), false, CategoryInvalid},
		{"bad reaction", testutil.MustSign(kp, now.Unix(), event.KindReaction, "+", nil), false, CategoryInvalid},
		{"bad follow list", testutil.MustSign(kp, now.Unix(), event.KindFollowList, "", [][]string{{"p", "short"}}), false, CategoryInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := s.Evaluate(context.Background(), tt.evt)
			require.NoError(t, err)
			assert.Equal(t, tt.accept, d.Accept, d.Message)
			assert.Equal(t, tt.category, d.Category)
		})
	}
}

func TestSane_PoW(t *testing.T) {
	s := NewSane(config.PolicyConfig{MinPoW: 8})
	evt := &event.Event{ID: "00ff000000000000000000000000000000000000000000000000000000000000"}
	d, err := s.Evaluate(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, d.Accept)

	evt.ID = "0fff000000000000000000000000000000000000000000000000000000000000"
	d, err = s.Evaluate(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, d.Accept)
	assert.Equal(t, CategoryPoW, d.Category)
	assert.Equal(t, "difficulty 4 is less than 8", d.Message)
}

func TestPooled_TimeoutAndCrash(t *testing.T) {
	slow := Func(func(ctx context.Context, _ *event.Event) (Decision, error) {
		time.Sleep(200 * time.Millisecond)
		return Accept(), nil
	})
	p := NewPooled(slow, 1, 20*time.Millisecond, zerolog.Nop())
	defer p.Close()

	_, err := p.Evaluate(context.Background(), &event.Event{})
	assert.True(t, worker.IsTimeout(err))

	crash := Func(func(context.Context, *event.Event) (Decision, error) {
		panic("plugin fault")
	})
	c := NewPooled(crash, 1, time.Second, zerolog.Nop())
	defer c.Close()

	_, err = c.Evaluate(context.Background(), &event.Event{})
	assert.True(t, worker.IsTimeout(err))
}
