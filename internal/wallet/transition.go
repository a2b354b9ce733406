package wallet

import "sync"

// Transition is a change of connection state.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionConnected
	TransitionDisconnected
)

// TransitionDetector reports each connect/disconnect edge exactly once,
// however many times the same state is observed.
type TransitionDetector struct {
	mu        sync.Mutex
	connected bool
}

// Observe records the current state and returns the edge it represents.
func (d *TransitionDetector) Observe(connected bool) Transition {
	d.mu.Lock()
	defer d.mu.Unlock()
	if connected == d.connected {
		return TransitionNone
	}
	d.connected = connected
	if connected {
		return TransitionConnected
	}
	return TransitionDisconnected
}

// Prime sets the state without producing an edge. Restoring a session at
// startup uses it so no toast fires for a connection the user already had.
func (d *TransitionDetector) Prime(connected bool) {
	d.mu.Lock()
	d.connected = connected
	d.mu.Unlock()
}
