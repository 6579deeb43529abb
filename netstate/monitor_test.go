package netstate

import "testing"

func TestManualMonitor(t *testing.T) {
	t.Run("initial value sampled synchronously", func(t *testing.T) {
		if !NewManualMonitor(true).Online() {
			t.Error("expected online")
		}
		if NewManualMonitor(false).Online() {
			t.Error("expected offline")
		}
	})

	t.Run("subscribers see changes", func(t *testing.T) {
		m := NewManualMonitor(false)
		var got []bool
		m.Subscribe(func(online bool) { got = append(got, online) })

		m.Set(true)
		m.Set(false)

		if len(got) != 2 || !got[0] || got[1] {
			t.Errorf("expected [true false], got %v", got)
		}
	})

	t.Run("redundant sets are suppressed", func(t *testing.T) {
		m := NewManualMonitor(false)
		calls := 0
		m.Subscribe(func(bool) { calls++ })

		m.Set(false)
		m.Set(true)
		m.Set(true)

		if calls != 1 {
			t.Errorf("expected 1 notification, got %d", calls)
		}
	})

	t.Run("cancel stops notifications", func(t *testing.T) {
		m := NewManualMonitor(false)
		calls := 0
		cancel := m.Subscribe(func(bool) { calls++ })
		cancel()
		m.Set(true)
		if calls != 0 {
			t.Errorf("expected no notifications after cancel, got %d", calls)
		}
	})
}
