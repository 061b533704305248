package socket

import "sync/atomic"

// Generation counts connection attempts within one session. Each attempt gets
// a fresh, strictly greater value.
type Generation struct {
	counter uint64
}

// Next starts a new generation and returns it.
func (g *Generation) Next() uint64 {
	return atomic.AddUint64(&g.counter, 1)
}

// Current returns the latest generation, 0 before the first attempt.
func (g *Generation) Current() uint64 {
	return atomic.LoadUint64(&g.counter)
}
