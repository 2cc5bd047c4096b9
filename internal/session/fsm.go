// Package session owns one WebRTC peer per remote client: signaling, the
// connection lifecycle state machine, the media intake loop that feeds the
// sampler and scheduler, and the teardown of everything the connection
// allocated.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// State of a connection's lifecycle.
type State string

const (
	StateNew          State = "new"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Event drives the lifecycle machine. Transport events come from the peer
// connection callbacks; EventStop is an explicit local teardown.
type Event string

const (
	EventOfferReceived         Event = "offer_received"
	EventTransportConnected    Event = "transport_connected"
	EventTransportDisconnected Event = "transport_disconnected"
	EventTransportFailed       Event = "transport_failed"
	EventGraceExpired          Event = "grace_expired"
	EventStop                  Event = "stop"
)

// Machine is the per-connection lifecycle state machine.
//
// A connection that loses transport enters DISCONNECTED (or FAILED) and a
// grace timer starts; transport recovery within the grace period returns a
// DISCONNECTED connection to CONNECTED, while expiry or an explicit stop
// moves to CLOSED. CLOSED is terminal and runs the release callback exactly
// once, no matter how many paths race into it.
type Machine struct {
	connID string
	grace  time.Duration

	mu    sync.Mutex
	state State
	timer *time.Timer

	releaseOnce sync.Once
	release     func()
}

// NewMachine creates a lifecycle machine in StateNew. release runs exactly
// once when the machine reaches StateClosed; it may be nil.
func NewMachine(connID string, grace time.Duration, release func()) *Machine {
	return &Machine{
		connID:  connID,
		grace:   grace,
		state:   StateNew,
		release: release,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// next is the single transition function. It returns the successor state
// and whether the event applies in the current state.
func next(s State, e Event) (State, bool) {
	switch s {
	case StateNew:
		switch e {
		case EventOfferReceived:
			return StateNegotiating, true
		case EventStop:
			return StateClosed, true
		}
	case StateNegotiating:
		switch e {
		case EventTransportConnected:
			return StateConnected, true
		case EventTransportFailed:
			return StateFailed, true
		case EventStop:
			return StateClosed, true
		}
	case StateConnected:
		switch e {
		case EventTransportDisconnected:
			return StateDisconnected, true
		case EventTransportFailed:
			return StateFailed, true
		case EventStop:
			return StateClosed, true
		}
	case StateDisconnected:
		switch e {
		case EventTransportConnected:
			return StateConnected, true
		case EventTransportFailed:
			return StateFailed, true
		case EventGraceExpired, EventStop:
			return StateClosed, true
		}
	case StateFailed:
		switch e {
		case EventGraceExpired, EventStop:
			return StateClosed, true
		}
	case StateClosed:
	}
	return s, false
}

// Dispatch applies one event and returns the resulting state. Unknown
// state/event pairs are ignored, so late transport callbacks and stale
// grace timers are harmless.
func (m *Machine) Dispatch(event Event) State {
	m.mu.Lock()

	from := m.state
	to, ok := next(from, event)
	if !ok {
		m.mu.Unlock()
		slog.Debug("lifecycle event ignored",
			"conn_id", m.connID,
			"state", from,
			"event", event,
		)
		return from
	}

	m.state = to
	m.applyTimerLocked(from, to)
	fireRelease := to == StateClosed
	m.mu.Unlock()

	slog.Info("connection state changed",
		"conn_id", m.connID,
		"from", from,
		"to", to,
		"event", event,
	)

	if fireRelease {
		m.releaseOnce.Do(func() {
			if m.release != nil {
				m.release()
			}
		})
	}
	return to
}

// applyTimerLocked arms or disarms the grace timer for a transition. The
// timer spans the whole degraded episode: a DISCONNECTED connection that
// then fails keeps its original deadline.
func (m *Machine) applyTimerLocked(from, to State) {
	switch {
	case to == StateConnected, to == StateClosed:
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
	case (to == StateDisconnected || to == StateFailed) && m.timer == nil:
		m.timer = time.AfterFunc(m.grace, func() {
			m.Dispatch(EventGraceExpired)
		})
		slog.Debug("grace timer armed",
			"conn_id", m.connID,
			"from", from,
			"grace", m.grace,
		)
	}
}
