// Package signaling turns covert offer fragments into connected WebRTC
// data-channel sessions and publishes the answers through the rendezvous
// mailbox.
package signaling

import (
	"sync"
	"time"
)

// State is the lifecycle of one negotiation session.
type State int

const (
	// StateCollecting: fragments are still arriving. Sessions handled by the
	// coordinator are created after assembly, so this state only appears when
	// a Session is constructed ahead of a complete offer (tests do this).
	StateCollecting State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session tracks one negotiation from assembled offer to closed channel.
//
// Transitions are driven by one method per event so the state machine is
// testable with synthetic events, without a real network stack:
//
//	COLLECTING -> NEGOTIATING -> CONNECTED -> CLOSED
//	        \__________\___________________/
//	                 (failure at any point)
type Session struct {
	ID          string
	Fingerprint string
	Slot        int
	UID         string
	// RemoteIP is the candidate address pulled from the offer SDP, when one
	// was present. Informational only.
	RemoteIP  string
	CreatedAt time.Time

	mu     sync.Mutex
	state  State
	answer string
}

func NewSession(id, fingerprint string, slot int, now time.Time) *Session {
	return &Session{
		ID:          id,
		Fingerprint: fingerprint,
		Slot:        slot,
		CreatedAt:   now,
		state:       StateCollecting,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Answer returns the serialized local answer, if one was produced.
func (s *Session) Answer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

// StartNegotiation moves the session out of the collecting state.
func (s *Session) StartNegotiation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollecting {
		return false
	}
	s.state = StateNegotiating
	return true
}

// AnswerReady records the local answer. Valid only while negotiating; a late
// answer for a closed session is discarded.
func (s *Session) AnswerReady(answerJSON string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNegotiating {
		return false
	}
	s.answer = answerJSON
	return true
}

// Connect transitions NEGOTIATING -> CONNECTED.
func (s *Session) Connect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNegotiating {
		return false
	}
	s.state = StateConnected
	return true
}

// Close transitions to CLOSED from any state. It reports whether this call
// performed the transition, so close side effects run exactly once.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}
