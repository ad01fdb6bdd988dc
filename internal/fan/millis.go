package fan

import "time"

// Millis is a timestamp in milliseconds taken from a free-running counter.
//
// The counter is 32 bits wide and wraps after ~49.7 days, so two Millis must
// only be compared through Sub, never with < or >.
type Millis uint32

// Sub returns the time elapsed from earlier to m.
// Unsigned subtraction keeps the result correct across a counter wrap.
func (m Millis) Sub(earlier Millis) time.Duration {
	return time.Duration(uint32(m-earlier)) * time.Millisecond
}

// Add returns m advanced by d (truncated to whole milliseconds).
func (m Millis) Add(d time.Duration) Millis {
	return m + Millis(uint32(d/time.Millisecond))
}

// Clock supplies the current tick time to the controller.
type Clock interface {
	Now() Millis
}

// MonotonicClock counts milliseconds since it was created, using the
// monotonic reading carried by time.Time.
type MonotonicClock struct {
	start  time.Time
	offset Millis
}

// NewMonotonicClock returns a clock starting at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// NewMonotonicClockAt returns a clock whose first reading is offset.
// Useful to exercise the wrap of the 32-bit counter without waiting weeks.
func NewMonotonicClockAt(offset Millis) *MonotonicClock {
	return &MonotonicClock{start: time.Now(), offset: offset}
}

// Now returns the milliseconds elapsed since the clock was made, plus its offset.
func (c *MonotonicClock) Now() Millis {
	return c.offset + Millis(uint32(time.Since(c.start).Milliseconds()))
}
