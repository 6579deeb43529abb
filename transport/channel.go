package transport

import (
	"errors"
	"sync"
)

// ErrNotConnected indicates a publish attempt on a transport that is not
// currently joined to its channel.
var ErrNotConnected = errors.New("transport not connected")

// ErrClosed indicates the transport has been permanently shut down.
var ErrClosed = errors.New("transport closed")

// ChannelTransport is an in-process Transport implementation. It delivers
// published envelopes back to the registered handler when self-echo is
// enabled, and exposes fault-injection hooks so tests can exercise connect
// and publish failures deterministically.
type ChannelTransport struct {
	mu         sync.Mutex
	handler    Handler
	connected  bool
	closed     bool
	echoSelf   bool
	connectErr error
	publishErr error
	published  []*Envelope
}

// NewChannelTransport creates a disconnected in-process transport.
func NewChannelTransport() *ChannelTransport {
	return &ChannelTransport{}
}

// SetEchoSelf controls whether published envelopes are delivered back to
// the local handler, mirroring a channel with self-notify enabled.
func (c *ChannelTransport) SetEchoSelf(echo bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.echoSelf = echo
}

// SetConnectError makes subsequent Connect calls fail with err. Pass nil to
// restore normal behavior.
func (c *ChannelTransport) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// SetPublishError makes subsequent Publish calls fail with err. Pass nil to
// restore normal behavior.
func (c *ChannelTransport) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// Connect implements Transport.Connect.
func (c *ChannelTransport) Connect(creds Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.connectErr; err != nil {
		c.mu.Unlock()
		return err
	}
	c.connected = true
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(StateEvent(StateConnected))
	}
	return nil
}

// Disconnect implements Transport.Disconnect.
func (c *ChannelTransport) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Publish implements Transport.Publish.
func (c *ChannelTransport) Publish(env *Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if err := c.publishErr; err != nil {
		c.mu.Unlock()
		return err
	}
	cp := *env
	c.published = append(c.published, &cp)
	echo := c.echoSelf
	handler := c.handler
	c.mu.Unlock()

	if echo && handler != nil {
		handler(EnvelopeEvent(&cp))
	}
	return nil
}

// RegisterHandler implements Transport.RegisterHandler.
func (c *ChannelTransport) RegisterHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Close implements Transport.Close.
func (c *ChannelTransport) Close() error {
	c.mu.Lock()
	c.connected = false
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Inject delivers an arbitrary event to the registered handler, simulating
// inbound traffic or connection-state changes from the channel.
func (c *ChannelTransport) Inject(ev Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}

// Connected reports whether the transport is currently joined.
func (c *ChannelTransport) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Published returns a snapshot of every envelope published so far.
func (c *ChannelTransport) Published() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Envelope, len(c.published))
	copy(out, c.published)
	return out
}
