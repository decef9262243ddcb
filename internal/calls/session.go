package calls

import (
	"errors"
	"time"
)

var (
	// ErrCallInProgress rejects a dial or accept while another session is live.
	ErrCallInProgress = errors.New("calls: call in progress")
	// ErrNoActiveCall means the operation needs a session and there is none.
	ErrNoActiveCall = errors.New("calls: no active call")
	// ErrNotReady means the transport has not been started.
	ErrNotReady = errors.New("calls: transport not ready")
	// ErrInvalidState means the session exists but is in the wrong state.
	ErrInvalidState = errors.New("calls: operation not allowed in current state")
)

// State is a call-session state. Values match the fsm state names.
type State string

const (
	StateIdle       State = "idle"
	StateRegistered State = "registered"
	StateCalling    State = "calling"
	StateIncoming   State = "incoming"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
	StateMissed     State = "missed"
)

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateMissed
}

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Session is a snapshot of the single active call.
//
// ID is what the transport calls the call; Reference is our own correlation
// id. Events are matched against both.
type Session struct {
	ID          string    `json:"id"`
	Reference   string    `json:"reference"`
	Direction   Direction `json:"direction"`
	Counterpart string    `json:"counterpart"`
	State       State     `json:"state"`
	Transport   string    `json:"transport"`
	Muted       bool      `json:"muted"`
	Outcome     string    `json:"outcome,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}

// Duration is the connected time of the session, measured to EndedAt or now.
func (s Session) Duration(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	if end.Before(s.ConnectedAt) {
		return 0
	}
	return end.Sub(s.ConnectedAt).Truncate(time.Second)
}

func (s *Session) matches(callID string) bool {
	if s == nil || callID == "" {
		return false
	}
	return callID == s.ID || callID == s.Reference
}
