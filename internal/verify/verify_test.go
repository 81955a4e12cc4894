package verify

import (
	"context"
	"testing"
	"time"

	"github.com/paul/grapevine/internal/testutil"
	"github.com/paul/grapevine/pkg/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPooled_Verify(t *testing.T) {
	v := NewPooled(2, time.Second, zerolog.Nop())
	defer v.Close()
	ctx := context.Background()

	good, _ := testutil.MustNewTestEvent(1, "signed", nil)
	ok, err := v.Verify(ctx, good)
	require.NoError(t, err)
	assert.True(t, ok)

	forged := *good
	forged.Content = "forged"
	ok, err = v.Verify(ctx, &forged)
	require.NoError(t, err)
	assert.False(t, ok, "id no longer matches content")

	other, _ := testutil.MustNewTestEvent(1, "signed", nil)
	stolen := *good
	stolen.Sig = other.Sig
	ok, err = v.Verify(ctx, &stolen)
	require.NoError(t, err)
	assert.False(t, ok, "signature belongs to another key")
}

func TestFunc(t *testing.T) {
	var v Verifier = Func(func(ctx context.Context, _ *event.Event) (bool, error) { return true, nil })
	ok, err := v.Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}
