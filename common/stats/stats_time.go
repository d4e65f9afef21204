package stats

import "time"

// Clock is what latencies read the time from. Tests swap it for a FixedClock.
var Clock interface {
	Now() time.Time
	Since(time.Time) time.Duration
} = wallClock{}

type wallClock struct{}

func (wallClock) Now() time.Time                  { return time.Now() }
func (wallClock) Since(t time.Time) time.Duration { return time.Since(t) }

// FixedClock always reads At, and every duration measured with it is Elapsed.
type FixedClock struct {
	At      time.Time
	Elapsed time.Duration
}

func (c FixedClock) Now() time.Time                { return c.At }
func (c FixedClock) Since(time.Time) time.Duration { return c.Elapsed }
