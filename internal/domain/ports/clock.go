package ports

import "time"

// Clock abstracts "now" so delay and timeout logic is testable without
// sleeping. Production code uses RealClock; tests inject a fake.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock
type RealClock struct{}

// Now returns the current UTC time
func (RealClock) Now() time.Time { return time.Now().UTC() }
