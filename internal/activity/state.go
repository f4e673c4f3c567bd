// Package activity tracks what the AI companion is currently doing. It is
// the single merge point for transitions inferred locally from audio replies
// and transitions pushed explicitly by the cognition session.
package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the three-valued indicator exposed to the presentation layer.
type State string

// Possible activity states.
const (
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// ParseState maps a wire value onto a State.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateListening, StateThinking, StateSpeaking:
		return State(s), true
	default:
		return "", false
	}
}

// Machine is the activity state machine. Locally inferred transitions
// auto-revert to listening after a fixed delay; explicit transitions stick.
//
// An explicit Set always wins over a pending auto-revert: it cancels the
// timer so a stale revert can never overwrite a server-directed state. A
// later locally inferred transition re-arms its own timer as usual.
type Machine struct {
	mu      sync.Mutex
	state   State
	revert  *time.Timer
	gen     uint64
	onState func(State)
	logger  *zap.Logger
}

// NewMachine creates a machine in the listening state. onState is invoked
// for every observable transition; it may be nil.
func NewMachine(logger *zap.Logger, onState func(State)) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		state:   StateListening,
		onState: onState,
		logger:  logger,
	}
}

// Current returns the present activity state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set applies an explicit transition (a state_update from the cognition
// session). Any pending auto-revert is cancelled.
func (m *Machine) Set(s State) {
	m.mu.Lock()
	m.gen++
	m.stopRevertLocked()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		m.logger.Debug("activity state set", zap.String("state", string(s)))
		m.notify(s)
	}
}

// Trigger applies a locally inferred transition that reverts to listening
// after revertAfter, unless a newer transition supersedes it first.
func (m *Machine) Trigger(s State, revertAfter time.Duration) {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.stopRevertLocked()
	changed := m.state != s
	m.state = s
	m.revert = time.AfterFunc(revertAfter, func() {
		m.revertTo(gen)
	})
	m.mu.Unlock()

	if changed {
		m.logger.Debug("activity state triggered",
			zap.String("state", string(s)),
			zap.Duration("revert_after", revertAfter))
		m.notify(s)
	}
}

// Reset returns the machine to listening and cancels any pending revert.
// Used on socket error and on teardown.
func (m *Machine) Reset() {
	m.Set(StateListening)
}

func (m *Machine) revertTo(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		// A newer transition superseded this timer.
		m.mu.Unlock()
		return
	}
	changed := m.state != StateListening
	m.state = StateListening
	m.revert = nil
	m.mu.Unlock()

	if changed {
		m.notify(StateListening)
	}
}

func (m *Machine) stopRevertLocked() {
	if m.revert != nil {
		m.revert.Stop()
		m.revert = nil
	}
}

func (m *Machine) notify(s State) {
	if m.onState != nil {
		m.onState(s)
	}
}
