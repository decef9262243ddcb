package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownPayload = errors.New("dispatch: unknown payload shape")

// Payload is one of PushPayload, PollPayload or SessionPayload.
type Payload interface {
	payload()
}

// PushPayload is a webhook body from the PBX: {"type":"call.answered","callId":"..."}.
type PushPayload struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	From   string `json:"from,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PollPayload is the result of a status query: {"event":"status","status":"ringing"}.
type PollPayload struct {
	Event  string `json:"event"`
	Status string `json:"status"`
	CallID string `json:"callId"`
}

// SessionState is a SIP dialog state as seen by the transport.
type SessionState string

const (
	SessionEstablishing SessionState = "establishing"
	SessionRinging      SessionState = "ringing"
	SessionEstablished  SessionState = "established"
	SessionTerminated   SessionState = "terminated"
	SessionIncoming     SessionState = "incoming"
)

// SessionPayload is produced by the SIP and external transports.
type SessionPayload struct {
	CallID string
	State  SessionState
	Reason string
	Caller string
}

func (PushPayload) payload()    {}
func (PollPayload) payload()    {}
func (SessionPayload) payload() {}

// DecodeJSON picks the payload shape: a "type" key means push, otherwise
// "event" or "status" means poll. Anything else is ErrUnknownPayload.
func DecodeJSON(raw []byte) (Payload, error) {
	var shape struct {
		Type      *string `json:"type"`
		Event     *string `json:"event"`
		Status    *string `json:"status"`
		CallID    string  `json:"callId"`
		SnakeCall string  `json:"call_id"`
		ID        string  `json:"id"`
		From      string  `json:"from"`
		Reason    string  `json:"reason"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&shape); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPayload, err)
	}

	callID := firstNonEmpty(shape.CallID, shape.SnakeCall, shape.ID)
	switch {
	case shape.Type != nil:
		return PushPayload{Type: *shape.Type, CallID: callID, From: shape.From, Reason: shape.Reason}, nil
	case shape.Event != nil || shape.Status != nil:
		p := PollPayload{CallID: callID}
		if shape.Event != nil {
			p.Event = *shape.Event
		}
		if shape.Status != nil {
			p.Status = *shape.Status
		}
		return p, nil
	default:
		return nil, ErrUnknownPayload
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
