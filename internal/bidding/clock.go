package bidding

import "time"

// Clock supplies the authoritative server time.  Client timestamps are
// never consulted.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
