package audit

import "time"

// Event is an immutable, append-only record of an agent action against the line.
//
// Invariants:
// - Events are never updated or deleted.
// - agent_id and type are required.
// - ip capture is best-effort; do not block call control on audit failures.

type Event struct {
	ID     string    `json:"id" db:"id"`
	LineID string    `json:"line_id,omitempty" db:"line_id"`
	Type   EventType `json:"type" db:"type"`

	// AgentID is the authenticated caller of the API.
	AgentID string `json:"agent_id" db:"agent_id"`
	Role    string `json:"role,omitempty" db:"role"`

	// IPAddress is the client IP as resolved by gin.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// CallID is the session reference the action applied to, if any.
	CallID string `json:"call_id,omitempty" db:"call_id"`

	// Outcome is "ok" or the error returned by the controller.
	Outcome string `json:"outcome,omitempty" db:"outcome"`

	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeDial   EventType = "call.dial"
	EventTypeHangup EventType = "call.hangup"
	EventTypeAccept EventType = "call.accept"
	EventTypeReject EventType = "call.reject"
	EventTypeMute   EventType = "call.mute"
	EventTypeToken  EventType = "auth.token_issued"
)
