package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOffset(t *testing.T) {
	plain := New(0)
	ahead := New(time.Hour)

	diff := ahead.NowMs() - plain.NowMs()
	assert.InDelta(t, time.Hour.Milliseconds(), diff, 1000)
	assert.Equal(t, time.Hour, ahead.Offset())
}

func TestFixed(t *testing.T) {
	var src Source = NewFixed(42)
	assert.Equal(t, int64(42), src.NowMs())

	src.(*Fixed).Set(43)
	assert.Equal(t, int64(43), src.NowMs())
}
