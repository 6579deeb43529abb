// Package chatcore implements a client-side messaging core over an
// unreliable publish/subscribe transport.
//
// The engine keeps a reliable logical conversation channel alive for the
// application: it manages the connection lifecycle with capped exponential
// backoff, queues outbound messages while disconnected, de-duplicates sends
// and receives for at-most-once delivery, stores messages per conversation
// in timestamp order and propagates delivery status back to the caller.
//
// Example:
//
//	engine, err := chatcore.New(chatcore.DefaultConfig(), tr, monitor)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.OnMessageStatus(func(id string, st message.Status) {
//	    fmt.Println(id, st)
//	})
//	engine.Start()
//	defer engine.Close()
//
//	id, _ := engine.RegisterConversation("Assistant")
//	engine.SendMessage(id, "hello")
package chatcore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/swarn/chatcore/connection"
	"github.com/swarn/chatcore/delivery"
	"github.com/swarn/chatcore/history"
	"github.com/swarn/chatcore/message"
	"github.com/swarn/chatcore/metrics"
	"github.com/swarn/chatcore/netstate"
	"github.com/swarn/chatcore/transport"
)

// ErrInvalidArgument is the class of caller mistakes surfaced
// synchronously; use errors.Is to match.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrEmptyContent rejects blank message content.
var ErrEmptyContent = fmt.Errorf("%w: empty message content", ErrInvalidArgument)

// ErrUnknownConversation rejects sends to a conversation id that is
// neither registered nor known from received messages.
var ErrUnknownConversation = fmt.Errorf("%w: unknown conversation", ErrInvalidArgument)

// ErrEngineClosed indicates use after Close.
var ErrEngineClosed = errors.New("engine closed")

// Option customizes engine construction.
type Option func(*Engine)

// WithMetrics registers the engine's prometheus instruments with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.met = metrics.New(reg)
	}
}

// Engine wires the connection manager, delivery queue and message store
// together and exposes the public messaging API. All methods are safe for
// concurrent use.
type Engine struct {
	cfg     Config
	tr      transport.Transport
	monitor netstate.Monitor
	met     *metrics.Metrics

	store *message.Store
	queue *delivery.Queue
	conn  *connection.Manager
	hist  *history.Log

	events    chan transport.Event
	stopCh    chan struct{}
	wg        sync.WaitGroup
	cancelNet func()

	cbMu        sync.Mutex
	onMessage   func(message.Message)
	onStatus    func(string, message.Status)
	onConnState func(connection.State)
	onPreviews  func([]message.Preview)
	onNetwork   func(bool)

	lifeMu  sync.Mutex
	started bool
	closed  bool
}

// New creates an engine over the given transport and network signal. The
// engine does not touch the network until Start.
func New(cfg Config, tr transport.Transport, monitor netstate.Monitor, opts ...Option) (*Engine, error) {
	cfg = cfg.normalized()

	e := &Engine{
		cfg:     cfg,
		tr:      tr,
		monitor: monitor,
		events:  make(chan transport.Event, 128),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.store = message.NewStore(cfg.ViewLimit)
	e.store.SetChangeCallback(e.broadcastPreviews)

	e.conn = connection.New(tr, monitor, connection.Config{
		MaxAttempts: cfg.MaxReconnectAttempts,
		BaseDelay:   cfg.ReconnectDelay,
		MaxDelay:    cfg.MaxReconnectDelay,
		Credentials: cfg.credentials(),
		Metrics:     e.met,
	})
	e.conn.SetStateCallback(e.broadcastConnState)
	e.conn.SetConnectedCallback(func() { go e.queue.Flush() })

	e.queue = delivery.New(tr, delivery.Options{
		Capacity:        cfg.QueueCapacity,
		RetryInterval:   cfg.RetryInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
		SeenCap:         cfg.SeenIDCap,
		Connected:       e.conn.Connected,
		OnStatus:        e.handleStatus,
		Metrics:         e.met,
	})

	if cfg.DataDir != "" {
		hist, err := history.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		e.hist = hist
	}

	tr.RegisterHandler(e.handleTransportEvent)
	return e, nil
}

// Start rehydrates durable history, begins draining transport events and
// attaches to the network signal. If the network is online an initial
// connection attempt starts in the background.
func (e *Engine) Start() error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.lifeMu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.lifeMu.Unlock()

	e.rehydrate()

	e.wg.Add(1)
	go e.drainEvents()

	e.cancelNet = e.monitor.Subscribe(func(online bool) {
		e.broadcastNetwork(online)
		e.conn.HandleNetworkChange(online)
	})

	online := e.monitor.Online()
	e.broadcastNetwork(online)
	if online {
		go e.conn.Connect()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"online":   online,
	}).Info("Chat engine started")
	return nil
}

// rehydrate replays the durable log into the in-memory store. Completed
// messages are marked seen so late transport echoes stay suppressed;
// unfinished sends re-enter the delivery queue.
func (e *Engine) rehydrate() {
	msgs, err := e.hist.LoadAll()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "rehydrate",
			"error":    err,
		}).Error("Failed to load history, starting empty")
		return
	}
	if len(msgs) == 0 {
		return
	}

	var resend []message.Message
	for _, msg := range msgs {
		e.store.Insert(msg)
		switch msg.Status {
		case message.StatusQueued, message.StatusSending, message.StatusError:
			if msg.FromUser {
				resend = append(resend, msg)
			}
		default:
			e.queue.MarkSeen(msg.ID)
		}
	}
	for _, msg := range resend {
		e.queue.EnqueueOrSend(msg)
	}

	logrus.WithFields(logrus.Fields{
		"function": "rehydrate",
		"messages": len(msgs),
		"resend":   len(resend),
	}).Info("History rehydrated")
}

// drainEvents moves transport events from the handler into engine state on
// a dedicated goroutine, decoupling transport delivery from state
// mutation.
func (e *Engine) drainEvents() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case ev := <-e.events:
			switch ev.Type {
			case transport.EventState:
				e.conn.HandleTransportState(ev.State)
			case transport.EventEnvelope:
				e.handleEnvelope(ev.Envelope)
			}
		}
	}
}

// handleTransportEvent is the handler registered with the transport. It
// only enqueues; a full buffer drops the event rather than blocking the
// transport's delivery thread.
func (e *Engine) handleTransportEvent(ev transport.Event) {
	select {
	case e.events <- ev:
	case <-e.stopCh:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleTransportEvent",
		}).Warn("Event buffer full, dropping transport event")
	}
}

// handleEnvelope processes one inbound envelope.
func (e *Engine) handleEnvelope(env *transport.Envelope) {
	if env == nil {
		return
	}
	switch env.Kind {
	case transport.KindMessage:
		e.handleInboundMessage(env)
	case transport.KindRegisterBot:
		if e.store.HasConversation(env.ConversationID) {
			e.store.Register(env.ConversationID, env.Content)
		}
		logrus.WithFields(logrus.Fields{
			"function":        "handleEnvelope",
			"conversation_id": env.ConversationID,
			"display_name":    env.Content,
		}).Debug("Peer registration envelope received")
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleEnvelope",
			"kind":     env.Kind,
		}).Debug("Unknown envelope kind, ignoring")
	}
}

func (e *Engine) handleInboundMessage(env *transport.Envelope) {
	if e.queue.Seen(env.ID) {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInboundMessage",
			"message_id": env.ID,
		}).Debug("Duplicate inbound message suppressed")
		e.met.IncDeduplicated()
		return
	}

	status := message.StatusUnread
	if env.FromUser {
		// Echo of our own publish through a self-notifying channel.
		status = message.StatusSent
	}
	ts := env.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	msg := message.Message{
		ID:             env.ID,
		ConversationID: env.ConversationID,
		Content:        env.Content,
		CreatedAt:      ts,
		FromUser:       env.FromUser,
		Status:         status,
	}

	if !e.store.Insert(msg) {
		return
	}
	e.queue.MarkSeen(env.ID)
	if err := e.hist.Append(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInboundMessage",
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Failed to persist inbound message")
	}

	e.cbMu.Lock()
	fn := e.onMessage
	e.cbMu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// handleStatus receives every status transition from the delivery queue.
func (e *Engine) handleStatus(id string, status message.Status) {
	e.store.UpdateStatus(id, status)
	if err := e.hist.SetStatus(id, status); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleStatus",
			"message_id": id,
			"error":      err,
		}).Warn("Failed to persist status update")
	}

	e.cbMu.Lock()
	fn := e.onStatus
	e.cbMu.Unlock()
	if fn != nil {
		fn(id, status)
	}
}

// SendMessage validates, optimistically inserts a QUEUED message and hands
// it to the delivery queue. The returned message is the caller's snapshot;
// later status is observed through OnMessageStatus or MessagesFor.
func (e *Engine) SendMessage(conversationID, content string) (*message.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if !e.store.HasConversation(conversationID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	msg := message.New(conversationID, content)
	e.store.Insert(msg)
	if err := e.hist.Append(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendMessage",
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Failed to persist outbound message")
	}

	e.queue.EnqueueOrSend(msg)
	return &msg, nil
}

// MarkMessageRead sets the read flag on a message. Unknown ids are
// tolerated as no-ops.
func (e *Engine) MarkMessageRead(id string) {
	if !e.store.MarkRead(id) {
		return
	}
	if err := e.hist.SetRead(id); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "MarkMessageRead",
			"message_id": id,
			"error":      err,
		}).Warn("Failed to persist read flag")
	}
}

// RegisterConversation assigns the next registry id, announces the
// conversation on the transport and initializes an empty entry. The
// announce is required to succeed because the caller needs the id; on
// failure the error is returned and the consumed id is never reused.
func (e *Engine) RegisterConversation(displayName string) (string, error) {
	if strings.TrimSpace(displayName) == "" {
		return "", fmt.Errorf("%w: empty display name", ErrInvalidArgument)
	}

	id := e.store.AllocateID()
	env := &transport.Envelope{
		ID:             message.NewID(),
		Kind:           transport.KindRegisterBot,
		Content:        displayName,
		ConversationID: id,
		FromUser:       true,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := e.tr.Publish(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "RegisterConversation",
			"conversation_id": id,
			"error":           err,
		}).Error("Conversation announce failed")
		return "", fmt.Errorf("announcing conversation: %w", err)
	}

	e.store.Register(id, displayName)
	return id, nil
}

// ClearAll wipes the message store, the delivery queue state (including
// the dedup set) and the durable history.
func (e *Engine) ClearAll() {
	e.store.Clear()
	e.queue.Clear()
	if err := e.hist.Clear(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ClearAll",
			"error":    err,
		}).Warn("Failed to clear history")
	}
}

// MessagesFor returns the conversation's messages, deduplicated, sorted by
// timestamp and truncated to the configured view limit.
func (e *Engine) MessagesFor(conversationID string) []message.Message {
	return e.store.MessagesFor(conversationID)
}

// Previews returns the current conversation previews, most recent first.
func (e *Engine) Previews() []message.Preview {
	return e.store.Previews()
}

// ConnectionState returns the current connection state.
func (e *Engine) ConnectionState() connection.State {
	return e.conn.State()
}

// Online reports the current network signal.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// PendingSends returns how many messages wait in the offline queue.
func (e *Engine) PendingSends() int {
	return e.queue.PendingLen()
}

// Connect requests an explicit connection attempt, the escape hatch from
// the terminal Error state.
func (e *Engine) Connect() {
	go e.conn.Connect()
}

// OnMessage registers the inbound message observer.
func (e *Engine) OnMessage(fn func(message.Message)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onMessage = fn
}

// OnMessageStatus registers the (message id, status) observer.
func (e *Engine) OnMessageStatus(fn func(id string, status message.Status)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onStatus = fn
}

// OnConnectionState registers the connection state observer.
func (e *Engine) OnConnectionState(fn func(connection.State)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onConnState = fn
}

// OnPreviews registers the preview list observer, invoked after every
// store mutation.
func (e *Engine) OnPreviews(fn func([]message.Preview)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onPreviews = fn
}

// OnNetworkState registers the online/offline observer.
func (e *Engine) OnNetworkState(fn func(online bool)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onNetwork = fn
}

func (e *Engine) broadcastPreviews(previews []message.Preview) {
	e.cbMu.Lock()
	fn := e.onPreviews
	e.cbMu.Unlock()
	if fn != nil {
		fn(previews)
	}
}

func (e *Engine) broadcastConnState(s connection.State) {
	e.cbMu.Lock()
	fn := e.onConnState
	e.cbMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (e *Engine) broadcastNetwork(online bool) {
	e.cbMu.Lock()
	fn := e.onNetwork
	e.cbMu.Unlock()
	if fn != nil {
		fn(online)
	}
}

// Close shuts the engine down: detaches from the network signal, stops the
// event drain, the delivery queue and the connection, and closes the
// transport and history log.
func (e *Engine) Close() {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return
	}
	e.closed = true
	e.lifeMu.Unlock()

	if e.cancelNet != nil {
		e.cancelNet()
	}
	close(e.stopCh)
	e.wg.Wait()

	e.queue.Close()
	e.conn.Close()
	if err := e.tr.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"error":    err,
		}).Warn("Transport close failed")
	}
	if err := e.hist.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"error":    err,
		}).Warn("History close failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Chat engine closed")
}
