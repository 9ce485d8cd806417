package authvault

import "time"

// Clock is the injectable time source used by every component. Domain
// logic never calls time.Now directly, which keeps expiry and lockout
// transitions deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default [Clock] backed by time.Now.
var SystemClock Clock = systemClock{}
