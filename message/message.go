// Package message implements the chat data model and the per-conversation
// message store.
//
// The store owns every shared mutable map in the core: conversation message
// lists, the conversation registry and the derived previews. All mutation
// is serialized under one mutex; callers get value copies, never aliases
// into the store's slices.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the delivery state of a message as last reported by
// the transport layer. Progression is typically QUEUED → SENDING → SENT →
// DELIVERED/READ, but events may arrive out of causal order and the store
// simply records the latest one.
type Status uint8

const (
	// StatusQueued means the message is waiting for connectivity.
	StatusQueued Status = iota
	// StatusSending means a publish attempt is in flight.
	StatusSending
	// StatusSent means the message was published to the transport.
	StatusSent
	// StatusDelivered means the counterpart acknowledged receipt.
	StatusDelivered
	// StatusRead means the counterpart read the message.
	StatusRead
	// StatusUnread marks an inbound message not yet read locally.
	StatusUnread
	// StatusError means the last send attempt failed.
	StatusError
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusUnread:
		return "unread"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is a single chat message. ID is assigned at creation and never
// changes; only Status and Read mutate afterwards.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	// CreatedAt is a millisecond unix timestamp used for ordering within
	// a conversation.
	CreatedAt int64  `json:"timestamp"`
	FromUser  bool   `json:"fromUser"`
	Read      bool   `json:"read"`
	Status    Status `json:"status"`
}

// NewID returns a fresh globally unique message id.
func NewID() string {
	return uuid.NewString()
}

// New creates an outbound message in the QUEUED state with a fresh id.
func New(conversationID, content string) Message {
	return Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      time.Now().UnixMilli(),
		FromUser:       true,
		Status:         StatusQueued,
	}
}
