// Package connection implements the connection lifecycle state machine.
//
// The manager keeps the transport's actual state consistent with the
// network signal, translating transport turbulence into a small set of
// externally visible states. Reconnects use capped exponential backoff and
// a bounded attempt budget; past the budget the manager parks in a
// terminal Error state until an explicit Connect call.
package connection

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swarn/chatcore/metrics"
	"github.com/swarn/chatcore/netstate"
	"github.com/swarn/chatcore/transport"
)

// State is the externally visible connection state.
type State uint8

const (
	// StateDisconnected is the initial idle state.
	StateDisconnected State = iota
	// StateConnecting means a transport handshake is in flight.
	StateConnecting
	// StateConnected means the transport is usable.
	StateConnected
	// StateReconnectingBackoff means a reconnect attempt is scheduled.
	StateReconnectingBackoff
	// StateNetworkUnavailable means the network signal reports offline.
	StateNetworkUnavailable
	// StateError is terminal until an explicit Connect call.
	StateError
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectingBackoff:
		return "reconnecting_backoff"
	case StateNetworkUnavailable:
		return "network_unavailable"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Reconnect defaults, matching the reference deployment.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Config configures a Manager. Zero fields select defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Credentials transport.Credentials
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Manager owns the connection state machine.
type Manager struct {
	tr      transport.Transport
	monitor netstate.Monitor
	cfg     Config
	met     *metrics.Metrics

	mu         sync.Mutex
	state      State
	attempts   int
	connecting bool
	timer      *time.Timer
	closed     bool
	notifyCh   chan State

	onState     func(State)
	onConnected func()
}

// New creates a manager in the Disconnected state.
func New(tr transport.Transport, monitor netstate.Monitor, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	m := &Manager{
		tr:       tr,
		monitor:  monitor,
		cfg:      cfg,
		met:      cfg.Metrics,
		state:    StateDisconnected,
		notifyCh: make(chan State, 64),
	}
	go m.notifyLoop()
	return m
}

// notifyLoop delivers state changes to the observer in order, off the
// manager lock. Observers must not block.
func (m *Manager) notifyLoop() {
	for s := range m.notifyCh {
		m.mu.Lock()
		fn := m.onState
		m.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	}
}

// SetStateCallback registers the state change observer. Must be set before
// concurrent use.
func (m *Manager) SetStateCallback(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// SetConnectedCallback registers a hook fired on every transition into
// Connected (the delivery queue flush). Must be set before concurrent use.
func (m *Manager) SetConnectedCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the transport is currently usable.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect starts a connection attempt. It is idempotent: a no-op while
// already connected or while a handshake is in flight. A pending reconnect
// timer is cancelled and superseded. When the network signal reports
// offline the manager settles in NetworkUnavailable without touching the
// transport. Transport failures are absorbed into state transitions and
// never returned.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state == StateConnected || m.connecting {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
		}).Debug("Already connected or connecting, skipping")
		return
	}
	m.cancelTimerLocked()

	if !m.monitor.Online() {
		m.setStateLocked(StateNetworkUnavailable)
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
		}).Info("Network unavailable, skipping connection attempt")
		return
	}

	m.connecting = true
	m.setStateLocked(StateConnecting)
	creds := m.cfg.Credentials
	m.mu.Unlock()

	err := m.tr.Connect(creds)

	m.mu.Lock()
	m.connecting = false
	if m.closed {
		m.mu.Unlock()
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"error":    err,
		}).Error("Transport connect failed")
		m.failLocked()
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.setStateLocked(StateConnected)
	hook := m.onConnected
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
	}).Info("Transport connected")
	if hook != nil {
		hook()
	}
}

// Disconnect tears the connection down unconditionally and resets to
// Disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelTimerLocked()
	m.attempts = 0
	m.connecting = false
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if err := m.tr.Disconnect(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Disconnect",
			"error":    err,
		}).Warn("Transport disconnect failed")
	}
}

// HandleTransportState processes a raw connection-state event from the
// transport.
func (m *Manager) HandleTransportState(st transport.State) {
	switch st {
	case transport.StateConnected:
		m.mu.Lock()
		m.cancelTimerLocked()
		m.attempts = 0
		m.connecting = false
		m.setStateLocked(StateConnected)
		hook := m.onConnected
		m.mu.Unlock()
		if hook != nil {
			hook()
		}

	case transport.StateDisconnected:
		m.handleDropped()

	case transport.StateError:
		logrus.WithFields(logrus.Fields{
			"function": "HandleTransportState",
		}).Error("Transport reported error")
		m.mu.Lock()
		m.failLocked()
		m.mu.Unlock()

	case transport.StateReconnecting:
		m.mu.Lock()
		m.setStateLocked(StateReconnectingBackoff)
		m.mu.Unlock()

	default:
		logrus.WithFields(logrus.Fields{
			"function": "HandleTransportState",
			"state":    string(st),
		}).Warn("Unknown transport state event")
	}
}

// HandleNetworkChange processes an online/offline transition from the
// network signal.
func (m *Manager) HandleNetworkChange(online bool) {
	if online {
		m.Connect()
		return
	}

	m.mu.Lock()
	m.cancelTimerLocked()
	m.connecting = false
	m.setStateLocked(StateNetworkUnavailable)
	m.mu.Unlock()

	// Full teardown; queued sends are preserved by the delivery queue.
	if err := m.tr.Disconnect(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleNetworkChange",
			"error":    err,
		}).Warn("Transport disconnect failed")
	}
}

// handleDropped evaluates what to do after the transport reports a drop:
// offline parks in NetworkUnavailable, remaining retries schedule a
// backoff attempt, an exhausted budget is terminal Error.
func (m *Manager) handleDropped() {
	m.mu.Lock()
	m.setStateLocked(StateDisconnected)

	if !m.monitor.Online() {
		m.cancelTimerLocked()
		m.setStateLocked(StateNetworkUnavailable)
		m.mu.Unlock()
		m.teardown()
		return
	}

	if m.attempts >= m.cfg.MaxAttempts {
		logrus.WithFields(logrus.Fields{
			"function": "handleDropped",
			"attempts": m.attempts,
		}).Error("Max reconnection attempts reached")
		m.cancelTimerLocked()
		m.setStateLocked(StateError)
		m.mu.Unlock()
		m.teardown()
		return
	}

	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the backoff timer. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	m.attempts++
	delay := backoffDelay(m.attempts, m.cfg.BaseDelay, m.cfg.MaxDelay)
	m.met.IncReconnectAttempt()

	logrus.WithFields(logrus.Fields{
		"function": "scheduleReconnect",
		"attempt":  m.attempts,
		"delay_ms": delay.Milliseconds(),
	}).Info("Scheduling reconnect attempt")

	m.setStateLocked(StateReconnectingBackoff)
	m.cancelTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.mu.Unlock()

		if m.monitor.Online() {
			m.Connect()
			return
		}
		m.mu.Lock()
		m.setStateLocked(StateNetworkUnavailable)
		m.mu.Unlock()
		m.teardown()
	})
}

// failLocked translates a transport failure into NetworkUnavailable or
// terminal Error depending on the network signal. Caller holds m.mu.
func (m *Manager) failLocked() {
	m.cancelTimerLocked()
	if !m.monitor.Online() {
		m.setStateLocked(StateNetworkUnavailable)
	} else {
		m.setStateLocked(StateError)
	}
	go m.teardown()
}

// teardown releases transport resources without changing state.
func (m *Manager) teardown() {
	if err := m.tr.Disconnect(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "teardown",
			"error":    err,
		}).Warn("Transport disconnect failed")
	}
}

// backoffDelay computes min(base * 2^(attempt-1), cap).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// cancelTimerLocked stops any pending reconnect timer. Caller holds m.mu.
func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// setStateLocked updates the state and hands the change to the notify
// loop. Caller holds m.mu.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.met.SetConnectionState(int(s))
	if m.closed {
		return
	}
	select {
	case m.notifyCh <- s:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "setState",
			"state":    s.String(),
		}).Warn("State observer too slow, dropping notification")
	}
}

// Close stops the manager and releases the transport.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelTimerLocked()
	close(m.notifyCh)
	m.mu.Unlock()
	m.teardown()
}
