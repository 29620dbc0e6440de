package matching

import "time"

// Clock supplies the monotonic microsecond timestamps the callout scheduler
// keys its due-times on. Injectable so tests can drive timers forward
// deterministically.
type Clock interface {
	// Now returns microseconds since an arbitrary fixed origin. It must be
	// monotonic; wall-clock jumps must not move it.
	Now() int64
}

// systemClock measures against a process-start origin so values stay small
// and strictly monotonic regardless of wall-clock adjustments.
type systemClock struct {
	origin time.Time
}

func newSystemClock() *systemClock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Now() int64 {
	return time.Since(c.origin).Microseconds()
}
