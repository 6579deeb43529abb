package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope kinds. The channel carries chat messages and best-effort bot
// registration announcements on the same wire.
const (
	KindMessage     = "message"
	KindRegisterBot = "register_bot"
)

// ErrMissingID indicates an envelope without a message id.
var ErrMissingID = errors.New("envelope missing id")

// ErrMissingKind indicates an envelope without a kind field.
var ErrMissingKind = errors.New("envelope missing kind")

// Envelope is the wire-level unit exchanged with the transport, serialized
// as a flat JSON object with string/number/boolean fields only.
type Envelope struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	FromUser       bool   `json:"fromUser"`
	Timestamp      int64  `json:"timestamp"`
}

// Marshal serializes the envelope to its wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return data, nil
}

// Size returns the serialized length in bytes, used for payload-size
// enforcement before queueing.
func (e *Envelope) Size() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}

// ParseEnvelope decodes a wire payload. The id and kind fields are
// mandatory; everything else defaults to the zero value so older peers with
// sparser payloads still parse.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.ID == "" {
		return nil, ErrMissingID
	}
	if env.Kind == "" {
		return nil, ErrMissingKind
	}
	return &env, nil
}
