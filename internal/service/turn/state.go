// Package turn provides the conversational turn-taking state machine.
package turn

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the conversation state of a session.
type State int

const (
	// StateConnecting - No usable connection; waiting for (re)connect.
	StateConnecting State = iota
	// StateReady - Connected and START_INTERVIEW sent; the candidate has not begun.
	StateReady
	// StateListening - The candidate holds the floor; microphone audio is sent.
	StateListening
	// StateSpeaking - Interviewer audio is playing.
	StateSpeaking
	// StateThinking - The backend is preparing a reply.
	StateThinking
	// StateClosed - Terminal. The session has ended.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateListening:
		return "LISTENING"
	case StateSpeaking:
		return "SPEAKING"
	case StateThinking:
		return "THINKING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// StatusText returns the short human-readable status shown to the candidate.
func (s State) StatusText() string {
	switch s {
	case StateConnecting:
		return "Connecting..."
	case StateReady:
		return "Ready"
	case StateListening:
		return "Please speak..."
	case StateSpeaking:
		return "Interviewer is speaking..."
	case StateThinking:
		return "Thinking..."
	case StateClosed:
		return "Interview ended"
	default:
		return "Unknown"
	}
}

// IsActive returns true while a conversation is underway (LISTENING, SPEAKING or THINKING).
func (s State) IsActive() bool {
	return s == StateListening || s == StateSpeaking || s == StateThinking
}

// IsTerminal returns true if the state is CLOSED.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// Trigger is an event that may move the machine to another state.
type Trigger int

const (
	TriggerOpened Trigger = iota
	TriggerBegin
	TriggerPlaybackStarted
	TriggerPlaybackEnded
	TriggerThinking
	TriggerAIResponse
	TriggerAudioTimeout
	TriggerInterviewEnd
	TriggerHangup
	TriggerFailed
	TriggerDropped
)

func (t Trigger) String() string {
	switch t {
	case TriggerOpened:
		return "opened"
	case TriggerBegin:
		return "begin"
	case TriggerPlaybackStarted:
		return "playback_started"
	case TriggerPlaybackEnded:
		return "playback_ended"
	case TriggerThinking:
		return "thinking"
	case TriggerAIResponse:
		return "ai_response"
	case TriggerAudioTimeout:
		return "audio_timeout"
	case TriggerInterviewEnd:
		return "interview_end"
	case TriggerHangup:
		return "hangup"
	case TriggerFailed:
		return "failed"
	case TriggerDropped:
		return "dropped"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Errors for invalid state transitions.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSessionClosed     = errors.New("session is closed")
)

// Transition records one state change.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
	At      time.Time
}

// edges maps a trigger to the legal source states and the target state.
// InterviewEnd, Hangup, Failed and Dropped are accepted from every non-terminal state.
var edges = map[Trigger]struct {
	from []State
	to   State
}{
	TriggerOpened:          {from: []State{StateConnecting}, to: StateReady},
	TriggerBegin:           {from: []State{StateReady}, to: StateListening},
	TriggerPlaybackStarted: {from: []State{StateReady, StateListening, StateThinking}, to: StateSpeaking},
	TriggerPlaybackEnded:   {from: []State{StateSpeaking}, to: StateListening},
	TriggerThinking:        {from: []State{StateListening, StateSpeaking}, to: StateThinking},
	TriggerAIResponse:      {from: []State{StateThinking}, to: StateSpeaking},
	TriggerAudioTimeout:    {from: []State{StateSpeaking}, to: StateListening},
}

// Machine holds the single authoritative conversation state.
// Thread-safe for concurrent access; only the session dispatcher fires triggers.
//
// State transitions:
//
//	CONNECTING ──opened──→ READY ──begin──→ LISTENING
//	LISTENING|READY|THINKING ──playback_started──→ SPEAKING ──playback_ended──→ LISTENING
//	LISTENING|SPEAKING ──thinking──→ THINKING ──ai_response──→ SPEAKING
//	any ──interview_end|hangup|failed──→ CLOSED
//	any ──dropped──→ CONNECTING
type Machine struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time
}

// NewMachine creates a machine in CONNECTING state.
func NewMachine() *Machine {
	return &Machine{state: StateConnecting, now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Can reports whether the trigger is legal in the current state.
func (m *Machine) Can(t Trigger) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := next(m.state, t)
	return err == nil
}

// Fire applies the trigger. An illegal trigger leaves the state untouched.
func (m *Machine) Fire(t Trigger) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, err := next(m.state, t)
	if err != nil {
		return Transition{}, err
	}
	tr := Transition{From: m.state, To: to, Trigger: t, At: m.now()}
	m.state = to
	return tr, nil
}

func next(from State, t Trigger) (State, error) {
	if from == StateClosed {
		return from, ErrSessionClosed
	}
	switch t {
	case TriggerInterviewEnd, TriggerHangup, TriggerFailed:
		return StateClosed, nil
	case TriggerDropped:
		return StateConnecting, nil
	}

	e, ok := edges[t]
	if !ok {
		return from, fmt.Errorf("%w: unknown trigger %v", ErrInvalidTransition, t)
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	return from, fmt.Errorf("%w: %v in %v", ErrInvalidTransition, t, from)
}
