package tollgate

import "time"

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default clock.
type SystemClock struct{}

// Now returns current time.
func (SystemClock) Now() time.Time { return time.Now() }
