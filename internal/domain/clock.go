package domain

import "time"

// Clock is the single source of "now" for the whole system. Request handlers,
// the lifecycle engine, and the deadline sweep all read time through it so
// that deadline arithmetic is deterministic under test and never skews between
// a request path and a concurrently running scheduled job.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
