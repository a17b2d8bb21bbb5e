// Package clock provides the millisecond clock the node validates timestamps
// against. A fixed offset corrects the local clock against the network.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/kpango/fastime"
)

type Clock struct {
	offset atomic.Int64
}

func New(offset time.Duration) *Clock {
	c := &Clock{}
	c.SetOffset(offset)

	return c
}

func (c *Clock) SetOffset(offset time.Duration) {
	c.offset.Store(int64(offset))
}

func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

func (c *Clock) Now() time.Time {
	return fastime.Now().Add(c.Offset())
}

// NowMs returns the corrected time in unix milliseconds.
func (c *Clock) NowMs() int64 {
	return c.Now().UnixMilli()
}

// Fixed is a clock that always returns the same time, for tests.
type Fixed struct {
	ms atomic.Int64
}

func NewFixed(ms int64) *Fixed {
	f := &Fixed{}
	f.ms.Store(ms)

	return f
}

func (f *Fixed) NowMs() int64 { return f.ms.Load() }

func (f *Fixed) Set(ms int64) { f.ms.Store(ms) }

// Source is implemented by Clock and Fixed.
type Source interface {
	NowMs() int64
}
