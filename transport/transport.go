// Package transport defines the publish/subscribe channel contract used by
// the chat engine.
//
// The transport is an opaque bidirectional channel: the engine publishes
// envelopes into it and receives inbound envelopes and raw connection-state
// strings through a registered handler. Concrete implementations wrap a
// messaging SDK or broker; ChannelTransport provides an in-process loopback
// for tests and demos.
package transport

// Credentials carries the connection parameters a concrete transport needs
// to join its channel. Fields a given implementation does not use may be
// left empty.
type Credentials struct {
	APIKey    string
	ClusterID string
	Room      string
}

// Handler receives inbound transport events. Implementations must not
// block: the engine drains events through an internal channel and a slow
// handler stalls delivery for the whole connection.
type Handler func(Event)

// Transport is the interface all chat transports implement. The engine
// treats the transport as unreliable: every method may fail at any time and
// failures are absorbed into connection/message state rather than
// propagated.
type Transport interface {
	// Connect joins the channel. Blocking; returns once the transport is
	// usable or the handshake failed.
	Connect(creds Credentials) error

	// Disconnect leaves the channel and releases resources. Safe to call
	// in any state.
	Disconnect() error

	// Publish sends an envelope to the channel.
	Publish(env *Envelope) error

	// RegisterHandler registers the inbound event handler. A later call
	// replaces the previous handler.
	RegisterHandler(h Handler)

	// Close permanently shuts down the transport.
	Close() error
}

// State is a raw connection-state string delivered by the transport.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
)

// EventType discriminates the two kinds of inbound transport events.
type EventType uint8

const (
	// EventEnvelope carries an inbound message or registration envelope.
	EventEnvelope EventType = iota
	// EventState carries a raw connection-state string.
	EventState
)

// Event is the unit delivered to the registered Handler.
type Event struct {
	Type     EventType
	Envelope *Envelope
	State    State
}

// EnvelopeEvent wraps an envelope as an Event.
func EnvelopeEvent(env *Envelope) Event {
	return Event{Type: EventEnvelope, Envelope: env}
}

// StateEvent wraps a connection-state string as an Event.
func StateEvent(s State) Event {
	return Event{Type: EventState, State: s}
}
