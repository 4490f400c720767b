package peer

import "time"

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// machine is the reconnection state: the current state plus the number of
// consecutive failures since the last successful open.
type machine struct {
	state    state
	attempts int
}

func (m *machine) beginConnect() {
	m.state = stateConnecting
}

func (m *machine) opened() {
	m.state = stateConnected
	m.attempts = 0
}

// failed records a failed open or a lost transport and returns the delay
// before the next attempt, and whether the transport had been connected.
func (m *machine) failed(b Backoff) (time.Duration, bool) {
	wasConnected := m.state == stateConnected
	m.state = stateDisconnected
	m.attempts++
	return b.Delay(m.attempts), wasConnected
}
