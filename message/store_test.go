package message

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, conv, content string, ts int64) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		Content:        content,
		CreatedAt:      ts,
		FromUser:       true,
		Status:         StatusQueued,
	}
}

func TestStoreInsertIdempotent(t *testing.T) {
	s := NewStore(0)

	require.True(t, s.Insert(msg("m1", "1", "hi", 10)))
	require.False(t, s.Insert(msg("m1", "1", "hi again", 20)))

	got := s.MessagesFor("1")
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)
}

func TestStoreOrdering(t *testing.T) {
	t.Run("out of order inserts end up sorted", func(t *testing.T) {
		s := NewStore(0)
		for _, ts := range []int64{50, 10, 30, 20, 40} {
			s.Insert(msg(fmt.Sprintf("m%d", ts), "1", "x", ts))
		}
		got := s.MessagesFor("1")
		require.Len(t, got, 5)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].CreatedAt, got[i].CreatedAt)
		}
	})

	t.Run("equal timestamps keep insertion order", func(t *testing.T) {
		s := NewStore(0)
		s.Insert(msg("a", "1", "first", 10))
		s.Insert(msg("b", "1", "second", 10))
		got := s.MessagesFor("1")
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].ID)
		assert.Equal(t, "b", got[1].ID)
	})
}

func TestStoreViewLimit(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Insert(msg(fmt.Sprintf("m%d", i), "1", "x", int64(i)))
	}
	got := s.MessagesFor("1")
	require.Len(t, got, 3)
	// The most recent entries survive truncation.
	assert.Equal(t, "m2", got[0].ID)
	assert.Equal(t, "m4", got[2].ID)
}

func TestStoreUpdateStatus(t *testing.T) {
	s := NewStore(0)
	s.Insert(msg("m1", "1", "hi", 10))

	require.True(t, s.UpdateStatus("m1", StatusSent))
	assert.Equal(t, StatusSent, s.MessagesFor("1")[0].Status)

	// Late events overwrite: the last reported status wins even if it
	// looks like a regression.
	require.True(t, s.UpdateStatus("m1", StatusQueued))
	assert.Equal(t, StatusQueued, s.MessagesFor("1")[0].Status)

	assert.False(t, s.UpdateStatus("missing", StatusSent))
}

func TestStoreMarkRead(t *testing.T) {
	s := NewStore(0)
	in := msg("m1", "1", "hi", 10)
	in.FromUser = false
	in.Status = StatusUnread
	s.Insert(in)

	require.True(t, s.MarkRead("m1"))
	assert.True(t, s.MessagesFor("1")[0].Read)
	assert.False(t, s.MarkRead("missing"), "unknown id is a tolerated no-op")
}

func TestStorePreviews(t *testing.T) {
	t.Run("registered empty conversation appears", func(t *testing.T) {
		s := NewStore(0)
		id := s.AllocateID()
		require.Equal(t, "1", id)
		s.Register(id, "Assistant")

		previews := s.Previews()
		require.Len(t, previews, 1)
		assert.Equal(t, "Assistant", previews[0].DisplayName)
		assert.Empty(t, previews[0].LastMessage)
		assert.False(t, previews[0].Unread)
	})

	t.Run("unread inbound sets flag", func(t *testing.T) {
		s := NewStore(0)
		in := msg("m1", "1", "hello", 10)
		in.FromUser = false
		in.Status = StatusUnread
		s.Insert(in)

		previews := s.Previews()
		require.Len(t, previews, 1)
		assert.True(t, previews[0].Unread)

		s.MarkRead("m1")
		assert.False(t, s.Previews()[0].Unread)
	})

	t.Run("sorted by descending last activity", func(t *testing.T) {
		s := NewStore(0)
		s.Insert(msg("a", "1", "old", 10))
		s.Insert(msg("b", "2", "new", 20))

		previews := s.Previews()
		require.Len(t, previews, 2)
		assert.Equal(t, "2", previews[0].ConversationID)
		assert.Equal(t, "1", previews[1].ConversationID)
	})

	t.Run("unregistered conversation gets synthesized name", func(t *testing.T) {
		s := NewStore(0)
		s.Insert(msg("a", "9", "hey", 10))
		previews := s.Previews()
		require.Len(t, previews, 1)
		assert.Equal(t, "Conversation 9", previews[0].DisplayName)
	})

	t.Run("change callback fires on mutation", func(t *testing.T) {
		s := NewStore(0)
		var calls int
		s.SetChangeCallback(func([]Preview) { calls++ })
		s.Insert(msg("a", "1", "x", 10))
		s.UpdateStatus("a", StatusSent)
		assert.Equal(t, 2, calls)
	})
}

func TestStoreAllocateIDMonotonic(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, "1", s.AllocateID())
	assert.Equal(t, "2", s.AllocateID())
	// Allocation without registration still consumes the id.
	s.Register("2", "Second")
	assert.Equal(t, "3", s.AllocateID())
}

func TestStoreClear(t *testing.T) {
	s := NewStore(0)
	s.Register(s.AllocateID(), "Assistant")
	s.Insert(msg("m1", "1", "hi", 10))
	s.Insert(msg("m2", "7", "other", 20))

	s.Clear()

	assert.Empty(t, s.MessagesFor("1"))
	assert.Empty(t, s.MessagesFor("7"))

	// Registered conversations survive as empty entries; unregistered
	// ones vanish.
	previews := s.Previews()
	require.Len(t, previews, 1)
	assert.Equal(t, "1", previews[0].ConversationID)

	// The same id can be inserted again after a clear.
	assert.True(t, s.Insert(msg("m1", "1", "hi", 10)))
}
