package message

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultViewLimit bounds how many recent messages a conversation view
// returns.
const DefaultViewLimit = 100

// Conversation is a registry entry for one counterpart.
type Conversation struct {
	ID          string
	DisplayName string
	// CreatedAt is the registration time in unix milliseconds, used to
	// order conversations that have no messages yet.
	CreatedAt int64
}

// Preview is a derived, read-only summary of a conversation's latest
// state. It is recomputed whenever the conversation's messages change and
// never mutated independently.
type Preview struct {
	ConversationID string
	DisplayName    string
	LastMessage    string
	LastMessageID  string
	LastFromUser   bool
	LastStatus     Status
	Timestamp      int64
	Unread         bool
}

// Store owns per-conversation ordered message lists, the conversation
// registry and preview derivation.
type Store struct {
	mu            sync.Mutex
	conversations map[string][]Message
	convByMsg     map[string]string
	registry      map[string]Conversation
	nextID        int
	viewLimit     int
	onChange      func([]Preview)
}

// NewStore creates an empty store. viewLimit <= 0 selects
// DefaultViewLimit.
func NewStore(viewLimit int) *Store {
	if viewLimit <= 0 {
		viewLimit = DefaultViewLimit
	}
	return &Store{
		conversations: make(map[string][]Message),
		convByMsg:     make(map[string]string),
		registry:      make(map[string]Conversation),
		nextID:        1,
		viewLimit:     viewLimit,
	}
}

// SetChangeCallback registers a callback invoked with the recomputed
// preview list after every mutation. Must be set before concurrent use.
func (s *Store) SetChangeCallback(fn func([]Preview)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// AllocateID consumes and returns the next monotonic conversation id.
// Ids stay consumed even if the caller's follow-up registration fails, so
// they never collide.
func (s *Store) AllocateID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strconv.Itoa(s.nextID)
	s.nextID++
	return id
}

// Register adds or renames a registry entry and ensures the conversation
// exists, so it appears in previews even while empty.
func (s *Store) Register(id, displayName string) Conversation {
	s.mu.Lock()
	conv, ok := s.registry[id]
	if ok {
		conv.DisplayName = displayName
	} else {
		conv = Conversation{ID: id, DisplayName: displayName, CreatedAt: time.Now().UnixMilli()}
	}
	s.registry[id] = conv
	if _, ok := s.conversations[id]; !ok {
		s.conversations[id] = nil
	}
	previews, fn := s.recomputeLocked()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Register",
		"conversation_id": id,
		"display_name":    displayName,
	}).Info("Conversation registered")

	if fn != nil {
		fn(previews)
	}
	return conv
}

// HasConversation reports whether id is registered or already holds
// messages.
func (s *Store) HasConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registry[id]; ok {
		return true
	}
	_, ok := s.conversations[id]
	return ok
}

// Insert adds a message to its conversation, keeping the list in ascending
// timestamp order via an insertion-point search. Inserting an id that is
// already present is a no-op. Returns whether the message was inserted.
func (s *Store) Insert(msg Message) bool {
	s.mu.Lock()
	if _, dup := s.convByMsg[msg.ID]; dup {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Insert",
			"message_id": msg.ID,
		}).Debug("Duplicate insert suppressed")
		return false
	}

	msgs := s.conversations[msg.ConversationID]
	idx := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].CreatedAt > msg.CreatedAt
	})
	msgs = append(msgs, Message{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg
	s.conversations[msg.ConversationID] = msgs
	s.convByMsg[msg.ID] = msg.ConversationID

	previews, fn := s.recomputeLocked()
	s.mu.Unlock()

	if fn != nil {
		fn(previews)
	}
	return true
}

// UpdateStatus records the latest reported status for a message id. Late
// or out-of-order events simply overwrite the current value; unknown ids
// are ignored. Returns whether a message was updated.
func (s *Store) UpdateStatus(id string, status Status) bool {
	s.mu.Lock()
	convID, ok := s.convByMsg[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	msgs := s.conversations[convID]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Status = status
			break
		}
	}
	previews, fn := s.recomputeLocked()
	s.mu.Unlock()

	if fn != nil {
		fn(previews)
	}
	return true
}

// MarkRead sets the read flag on a message. Unknown ids are tolerated as
// no-ops.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	convID, ok := s.convByMsg[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	msgs := s.conversations[convID]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Read = true
			break
		}
	}
	previews, fn := s.recomputeLocked()
	s.mu.Unlock()

	if fn != nil {
		fn(previews)
	}
	return true
}

// MessagesFor returns the conversation's messages in ascending timestamp
// order, truncated to the most recent viewLimit entries. The result is a
// copy.
func (s *Store) MessagesFor(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.conversations[conversationID]
	start := 0
	if len(msgs) > s.viewLimit {
		start = len(msgs) - s.viewLimit
	}
	out := make([]Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// Previews returns the current preview list, sorted by descending
// last-message timestamp.
func (s *Store) Previews() []Preview {
	s.mu.Lock()
	defer s.mu.Unlock()
	previews, _ := s.recomputeLocked()
	return previews
}

// Clear removes all messages. Registry entries survive so registered
// conversations reappear empty.
func (s *Store) Clear() {
	s.mu.Lock()
	s.conversations = make(map[string][]Message)
	s.convByMsg = make(map[string]string)
	for id := range s.registry {
		s.conversations[id] = nil
	}
	previews, fn := s.recomputeLocked()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("Message store cleared")

	if fn != nil {
		fn(previews)
	}
}

// recomputeLocked derives the preview list. Caller holds s.mu.
func (s *Store) recomputeLocked() ([]Preview, func([]Preview)) {
	previews := make([]Preview, 0, len(s.conversations))
	for id, msgs := range s.conversations {
		conv, registered := s.registry[id]
		if !registered {
			conv = Conversation{ID: id, DisplayName: fmt.Sprintf("Conversation %s", id)}
		}

		p := Preview{
			ConversationID: id,
			DisplayName:    conv.DisplayName,
			Timestamp:      conv.CreatedAt,
			LastStatus:     StatusSent,
		}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			p.LastMessage = last.Content
			p.LastMessageID = last.ID
			p.LastFromUser = last.FromUser
			p.LastStatus = last.Status
			p.Timestamp = last.CreatedAt
		}
		for _, m := range msgs {
			if !m.Read && !m.FromUser {
				p.Unread = true
				break
			}
		}
		previews = append(previews, p)
	}

	sort.SliceStable(previews, func(i, j int) bool {
		return previews[i].Timestamp > previews[j].Timestamp
	})
	return previews, s.onChange
}
