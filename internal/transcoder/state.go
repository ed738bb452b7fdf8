package transcoder

import (
	"fmt"
	"sync"
)

// State is the lifecycle stage of one transcode call.
type State int

const (
	StateInitializing State = iota
	StateAwaitingPlayable
	StateEncoding
	StateFinalizing
	StateFailed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingPlayable:
		return "awaiting_playable"
	case StateEncoding:
		return "encoding"
	case StateFinalizing:
		return "finalizing"
	case StateFailed:
		return "failed"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateDone
}

var transitions = map[State][]State{
	StateInitializing:     {StateAwaitingPlayable, StateFailed},
	StateAwaitingPlayable: {StateEncoding, StateFailed},
	StateEncoding:         {StateFinalizing, StateFailed},
	StateFinalizing:       {StateDone, StateFailed},
}

type machine struct {
	mu      sync.Mutex
	state   State
	history []State
	onEnter func(from, to State)
}

func newMachine(onEnter func(from, to State)) *machine {
	return &machine{
		state:   StateInitializing,
		history: []State{StateInitializing},
		onEnter: onEnter,
	}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	from := m.state
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	m.state = to
	m.history = append(m.history, to)
	m.mu.Unlock()

	if m.onEnter != nil {
		m.onEnter(from, to)
	}
	return nil
}

// fail moves to Failed from any non-terminal state and reports the state the
// call failed in.
func (m *machine) fail() State {
	m.mu.Lock()
	from := m.state
	if from.Terminal() {
		m.mu.Unlock()
		return from
	}
	m.state = StateFailed
	m.history = append(m.history, StateFailed)
	m.mu.Unlock()

	if m.onEnter != nil {
		m.onEnter(from, StateFailed)
	}
	return from
}

func (m *machine) trail() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}
