package transport

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	t.Run("full envelope", func(t *testing.T) {
		raw := []byte(`{"id":"m1","kind":"message","content":"hi","conversationId":"1","fromUser":true,"timestamp":1700000000000}`)
		env, err := ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.ID != "m1" || env.Kind != KindMessage || env.ConversationID != "1" {
			t.Errorf("unexpected envelope: %+v", env)
		}
		if !env.FromUser {
			t.Error("fromUser flag lost")
		}
	})

	t.Run("missing id rejected", func(t *testing.T) {
		if _, err := ParseEnvelope([]byte(`{"kind":"message","content":"hi"}`)); err != ErrMissingID {
			t.Errorf("expected ErrMissingID, got %v", err)
		}
	})

	t.Run("missing kind rejected", func(t *testing.T) {
		if _, err := ParseEnvelope([]byte(`{"id":"m1"}`)); err != ErrMissingKind {
			t.Errorf("expected ErrMissingKind, got %v", err)
		}
	})

	t.Run("malformed payload rejected", func(t *testing.T) {
		if _, err := ParseEnvelope([]byte(`{not json`)); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("sparse payload defaults", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"id":"m2","kind":"register_bot"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.FromUser || env.Timestamp != 0 || env.Content != "" {
			t.Errorf("expected zero defaults, got %+v", env)
		}
	})
}

func TestEnvelopeWireShape(t *testing.T) {
	env := &Envelope{
		ID:             "m1",
		Kind:           KindMessage,
		Content:        "hello",
		ConversationID: "1",
		FromUser:       true,
		Timestamp:      42,
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// The contract is a flat object with exactly these field names.
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"id", "kind", "content", "conversationId", "fromUser", "timestamp"} {
		if _, ok := flat[field]; !ok {
			t.Errorf("missing wire field %q", field)
		}
	}
	if env.Size() != len(data) {
		t.Errorf("Size() = %d, want %d", env.Size(), len(data))
	}
}

func TestChannelTransport(t *testing.T) {
	t.Run("publish requires connection", func(t *testing.T) {
		ct := NewChannelTransport()
		if err := ct.Publish(&Envelope{ID: "m1", Kind: KindMessage}); err != ErrNotConnected {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("connect emits state event", func(t *testing.T) {
		ct := NewChannelTransport()
		var events []Event
		ct.RegisterHandler(func(ev Event) { events = append(events, ev) })
		if err := ct.Connect(Credentials{Room: "1"}); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if len(events) != 1 || events[0].State != StateConnected {
			t.Errorf("expected connected state event, got %+v", events)
		}
	})

	t.Run("self echo delivers published envelope", func(t *testing.T) {
		ct := NewChannelTransport()
		ct.SetEchoSelf(true)
		var got *Envelope
		ct.RegisterHandler(func(ev Event) {
			if ev.Type == EventEnvelope {
				got = ev.Envelope
			}
		})
		if err := ct.Connect(Credentials{}); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := ct.Publish(&Envelope{ID: "m1", Kind: KindMessage, Content: "hi"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if got == nil || got.ID != "m1" {
			t.Errorf("expected echoed envelope, got %+v", got)
		}
	})

	t.Run("fault injection", func(t *testing.T) {
		ct := NewChannelTransport()
		wantErr := ErrClosed
		ct.SetConnectError(wantErr)
		if err := ct.Connect(Credentials{}); err != wantErr {
			t.Errorf("expected injected connect error, got %v", err)
		}
		ct.SetConnectError(nil)
		if err := ct.Connect(Credentials{}); err != nil {
			t.Fatalf("connect: %v", err)
		}
		ct.SetPublishError(wantErr)
		if err := ct.Publish(&Envelope{ID: "m1", Kind: KindMessage}); err != wantErr {
			t.Errorf("expected injected publish error, got %v", err)
		}
	})

	t.Run("closed transport rejects everything", func(t *testing.T) {
		ct := NewChannelTransport()
		if err := ct.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := ct.Connect(Credentials{}); err != ErrClosed {
			t.Errorf("expected ErrClosed on connect, got %v", err)
		}
		if err := ct.Publish(&Envelope{ID: "m1", Kind: KindMessage}); err != ErrClosed {
			t.Errorf("expected ErrClosed on publish, got %v", err)
		}
	})
}
