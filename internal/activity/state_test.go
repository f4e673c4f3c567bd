package activity

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		input string
		want  State
		ok    bool
	}{
		{"listening", StateListening, true},
		{"thinking", StateThinking, true},
		{"speaking", StateSpeaking, true},
		{"daydreaming", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseState(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseState(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMachineStartsListening(t *testing.T) {
	m := NewMachine(zap.NewNop(), nil)
	if got := m.Current(); got != StateListening {
		t.Errorf("initial state = %q, want %q", got, StateListening)
	}
}

func TestTriggerAutoReverts(t *testing.T) {
	m := NewMachine(zap.NewNop(), nil)

	m.Trigger(StateSpeaking, 30*time.Millisecond)
	if got := m.Current(); got != StateSpeaking {
		t.Fatalf("state after trigger = %q, want %q", got, StateSpeaking)
	}

	waitForState(t, m, StateListening, time.Second)
}

func TestSetDoesNotAutoRevert(t *testing.T) {
	m := NewMachine(zap.NewNop(), nil)

	m.Set(StateThinking)
	time.Sleep(100 * time.Millisecond)

	if got := m.Current(); got != StateThinking {
		t.Errorf("state after explicit set = %q, want %q (must not auto-revert)", got, StateThinking)
	}
}

func TestSetCancelsPendingRevert(t *testing.T) {
	m := NewMachine(zap.NewNop(), nil)

	// Arm an auto-revert, then override it with an explicit state before it
	// fires. The stale timer must not drag the state back to listening.
	m.Trigger(StateSpeaking, 20*time.Millisecond)
	m.Set(StateThinking)

	time.Sleep(100 * time.Millisecond)

	if got := m.Current(); got != StateThinking {
		t.Errorf("state = %q, want %q (explicit event must win over pending revert)", got, StateThinking)
	}
}

func TestNewerTriggerSupersedesOlderRevert(t *testing.T) {
	m := NewMachine(zap.NewNop(), nil)

	m.Trigger(StateThinking, 20*time.Millisecond)
	m.Trigger(StateSpeaking, 150*time.Millisecond)

	// The first revert window elapses while the second trigger is active.
	time.Sleep(60 * time.Millisecond)
	if got := m.Current(); got != StateSpeaking {
		t.Fatalf("state = %q, want %q (old revert must not fire)", got, StateSpeaking)
	}

	waitForState(t, m, StateListening, time.Second)
}

func TestResetReturnsToListening(t *testing.T) {
	m := NewMachine(zap.NewNop(), nil)

	m.Trigger(StateSpeaking, time.Minute)
	m.Reset()

	if got := m.Current(); got != StateListening {
		t.Errorf("state after reset = %q, want %q", got, StateListening)
	}
}

func TestTransitionsAreObserved(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	m := NewMachine(zap.NewNop(), func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	m.Trigger(StateSpeaking, 20*time.Millisecond)
	waitForState(t, m, StateListening, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("expected at least 2 observed transitions, got %v", seen)
	}
	if seen[0] != StateSpeaking {
		t.Errorf("first transition = %q, want %q", seen[0], StateSpeaking)
	}
	if seen[len(seen)-1] != StateListening {
		t.Errorf("last transition = %q, want %q", seen[len(seen)-1], StateListening)
	}
}

func TestRepeatedStateDoesNotNotify(t *testing.T) {
	var mu sync.Mutex
	count := 0
	m := NewMachine(zap.NewNop(), func(State) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	m.Set(StateListening) // already listening
	m.Set(StateListening)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no notifications for no-op transitions, got %d", count)
	}
}

func waitForState(t *testing.T, m *Machine, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q within %v", m.Current(), want, timeout)
}
