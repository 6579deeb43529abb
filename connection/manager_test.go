package connection

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/swarn/chatcore/netstate"
	"github.com/swarn/chatcore/transport"
)

// fakeTransport counts lifecycle calls and fails on demand.
type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
}

func (f *fakeTransport) Connect(transport.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Publish(*transport.Envelope) error { return nil }
func (f *fakeTransport) RegisterHandler(transport.Handler) {}
func (f *fakeTransport) Close() error                      { return nil }

func (f *fakeTransport) connectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// stateRecorder captures the ordered state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestConnectWhileOffline(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, netstate.NewManualMonitor(false), Config{})
	defer m.Close()

	m.Connect()

	if m.State() != StateNetworkUnavailable {
		t.Errorf("expected NetworkUnavailable, got %v", m.State())
	}
	if tr.connectCalls() != 0 {
		t.Error("transport must not be touched while offline")
	}
}

func TestConnectSuccess(t *testing.T) {
	tr := &fakeTransport{}
	rec := &stateRecorder{}
	m := New(tr, netstate.NewManualMonitor(true), Config{})
	defer m.Close()
	m.SetStateCallback(rec.record)

	flushed := make(chan struct{}, 1)
	m.SetConnectedCallback(func() { flushed <- struct{}{} })

	m.Connect()

	if m.State() != StateConnected {
		t.Fatalf("expected Connected, got %v", m.State())
	}
	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("connected hook not fired")
	}

	waitUntil(t, time.Second, func() bool { return len(rec.snapshot()) >= 2 })
	states := rec.snapshot()
	if states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("expected Connecting then Connected, got %v", states)
	}

	// Idempotent: a second Connect while connected is a no-op.
	m.Connect()
	if tr.connectCalls() != 1 {
		t.Errorf("expected 1 transport connect, got %d", tr.connectCalls())
	}
}

func TestConnectFailure(t *testing.T) {
	t.Run("online handshake failure is Error", func(t *testing.T) {
		tr := &fakeTransport{connectErr: errors.New("handshake failed")}
		m := New(tr, netstate.NewManualMonitor(true), Config{})
		defer m.Close()

		m.Connect()

		if m.State() != StateError {
			t.Errorf("expected Error, got %v", m.State())
		}
	})

	t.Run("transport error while offline is NetworkUnavailable", func(t *testing.T) {
		tr := &fakeTransport{}
		monitor := netstate.NewManualMonitor(true)
		m := New(tr, monitor, Config{})
		defer m.Close()

		m.Connect()
		monitor.Set(false)
		m.HandleTransportState(transport.StateError)

		if m.State() != StateNetworkUnavailable {
			t.Errorf("expected NetworkUnavailable, got %v", m.State())
		}
	})
}

func TestDroppedConnectionReconnects(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, netstate.NewManualMonitor(true), Config{
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	})
	defer m.Close()

	m.Connect()
	if m.State() != StateConnected {
		t.Fatalf("setup: expected Connected, got %v", m.State())
	}

	m.HandleTransportState(transport.StateDisconnected)

	// The drop schedules a backoff attempt that reconnects.
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected })
	if tr.connectCalls() != 2 {
		t.Errorf("expected reconnect attempt, got %d connects", tr.connectCalls())
	}
}

func TestDroppedWhileOffline(t *testing.T) {
	tr := &fakeTransport{}
	monitor := netstate.NewManualMonitor(true)
	m := New(tr, monitor, Config{})
	defer m.Close()

	m.Connect()
	monitor.Set(false)
	m.HandleTransportState(transport.StateDisconnected)

	if m.State() != StateNetworkUnavailable {
		t.Errorf("expected NetworkUnavailable, got %v", m.State())
	}
	waitUntil(t, time.Second, func() bool { return tr.disconnectCalls() >= 1 })
}

func TestTerminalErrorAfterExhaustedAttempts(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, netstate.NewManualMonitor(true), Config{
		MaxAttempts: 1,
		// Far enough out that the pending attempt never fires during the
		// test.
		BaseDelay: time.Hour,
		MaxDelay:  time.Hour,
	})
	defer m.Close()

	m.Connect()
	connectsBefore := tr.connectCalls()

	m.HandleTransportState(transport.StateDisconnected)
	if m.State() != StateReconnectingBackoff {
		t.Fatalf("expected ReconnectingBackoff, got %v", m.State())
	}

	m.HandleTransportState(transport.StateDisconnected)
	if m.State() != StateError {
		t.Fatalf("expected terminal Error, got %v", m.State())
	}

	// No automatic reconnect happens from the terminal state.
	time.Sleep(20 * time.Millisecond)
	if tr.connectCalls() != connectsBefore {
		t.Error("terminal Error must not reconnect automatically")
	}

	// An explicit Connect leaves the terminal state.
	m.Connect()
	if m.State() != StateConnected {
		t.Errorf("explicit connect should recover, got %v", m.State())
	}
}

func TestNetworkChange(t *testing.T) {
	tr := &fakeTransport{}
	monitor := netstate.NewManualMonitor(true)
	m := New(tr, monitor, Config{})
	defer m.Close()

	m.Connect()

	m.HandleNetworkChange(false)
	if m.State() != StateNetworkUnavailable {
		t.Errorf("expected NetworkUnavailable, got %v", m.State())
	}
	if tr.disconnectCalls() == 0 {
		t.Error("network loss must tear the transport down")
	}

	monitor.Set(true)
	m.HandleNetworkChange(true)
	if m.State() != StateConnected {
		t.Errorf("expected Connected after network restore, got %v", m.State())
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 3 * time.Second
	max := 10 * time.Second

	want := []time.Duration{3 * time.Second, 6 * time.Second, 10 * time.Second, 10 * time.Second}
	var prev time.Duration
	for i, expected := range want {
		got := backoffDelay(i+1, base, max)
		if got != expected {
			t.Errorf("attempt %d: want %v, got %v", i+1, expected, got)
		}
		if got < prev {
			t.Errorf("attempt %d: delay decreased from %v to %v", i+1, prev, got)
		}
		prev = got
	}
}
