package peer

import "time"

// Backoff computes linear reconnect delays capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(attempt*Base, Max) for attempt >= 1 and zero otherwise.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 || b.Base <= 0 || b.Max <= 0 {
		return 0
	}
	if time.Duration(attempt) > b.Max/b.Base {
		return b.Max
	}
	return time.Duration(attempt) * b.Base
}
