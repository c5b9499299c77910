package clock

import "time"

// Clock lets the chain writer and health reporter run against a fixed time in
// tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a plain function, e.g. a stepping clock in tests.
type Func func() time.Time

func (f Func) Now() time.Time {
	return f()
}
