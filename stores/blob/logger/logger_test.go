package logger

import (
	"context"
	"testing"

	"github.com/hybridpos/vssnode/stores/blob/memory"
	"github.com/hybridpos/vssnode/stores/blob/options"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerPassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	store := New(ulogger.TestLogger{}, inner)

	require.NoError(t, store.Set(ctx, []byte("k"), []byte("v"), options.WithFileExtension("snap")))

	value, err := store.Get(ctx, []byte("k"), options.WithFileExtension("snap"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	keys, err := store.List(ctx, options.WithFileExtension("snap"))
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, store.Del(ctx, []byte("k"), options.WithFileExtension("snap")))
	assert.Equal(t, 1, inner.Counters["del"])
}
