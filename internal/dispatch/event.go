package dispatch

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindInitiated  Kind = "initiated"
	KindRinging    Kind = "ringing"
	KindAnswered   Kind = "answered"
	KindTerminated Kind = "terminated"
	KindIncoming   Kind = "incoming"
)

// Terminal reasons carried on KindTerminated.
const (
	ReasonCompleted    = "completed"
	ReasonBusy         = "busy"
	ReasonNoAnswer     = "no-answer"
	ReasonRejected     = "rejected"
	ReasonCanceled     = "canceled"
	ReasonNotFound     = "not-found"
	ReasonUnauthorized = "unauthorized"
	ReasonFailed       = "failed"
)

type Source string

const (
	SourcePush    Source = "push"
	SourcePoll    Source = "poll"
	SourceSession Source = "session"
)

// Event is the normalized transition signal consumed by the call controller.
type Event struct {
	Kind   Kind
	CallID string
	Reason string
	Caller string
	Source Source
}

// IsFailure reports whether a terminated event means the call never connected
// for a reason the dialer should surface as failed.
func (e Event) IsFailure() bool {
	if e.Kind != KindTerminated {
		return false
	}
	switch e.Reason {
	case ReasonBusy, ReasonNoAnswer, ReasonRejected, ReasonUnauthorized, ReasonFailed:
		return true
	default:
		return false
	}
}

// Normalize maps a payload onto the event vocabulary.
func Normalize(p Payload) (Event, error) {
	switch v := p.(type) {
	case PushPayload:
		return normalizePush(v)
	case PollPayload:
		return normalizePoll(v)
	case SessionPayload:
		return normalizeSession(v)
	case nil:
		return Event{}, ErrUnknownPayload
	default:
		return Event{}, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
}

func normalizePush(p PushPayload) (Event, error) {
	ev := Event{CallID: p.CallID, Reason: normalizeReason(p.Reason), Caller: p.From, Source: SourcePush}
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "call.initiated":
		ev.Kind = KindInitiated
	case "call.ringing":
		ev.Kind = KindRinging
	case "call.answered":
		ev.Kind = KindAnswered
	case "call.terminated", "call.ended", "call.hangup":
		ev.Kind = KindTerminated
		if ev.Reason == "" {
			ev.Reason = ReasonCompleted
		}
	case "call.incoming":
		ev.Kind = KindIncoming
	default:
		return Event{}, fmt.Errorf("%w: push type %q", ErrUnknownPayload, p.Type)
	}
	if ev.CallID == "" {
		return Event{}, fmt.Errorf("%w: push payload without call id", ErrUnknownPayload)
	}
	return ev, nil
}

func normalizePoll(p PollPayload) (Event, error) {
	ev := Event{CallID: p.CallID, Source: SourcePoll}
	status := strings.ToLower(strings.TrimSpace(p.Status))
	if status == "" {
		status = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(p.Event)), "call.")
	}

	switch status {
	case "initiated", "queued", "dialing", "trying":
		ev.Kind = KindInitiated
	case "ringing", "early":
		ev.Kind = KindRinging
	case "answered", "in-progress", "connected", "active":
		ev.Kind = KindAnswered
	case "completed", "ended", "terminated", "hangup":
		ev.Kind = KindTerminated
		ev.Reason = ReasonCompleted
	case "busy", "no-answer", "noanswer", "rejected", "declined", "failed", "canceled", "cancelled", "not-found":
		ev.Kind = KindTerminated
		ev.Reason = normalizeReason(status)
	default:
		return Event{}, fmt.Errorf("%w: poll status %q", ErrUnknownPayload, status)
	}
	if ev.CallID == "" {
		return Event{}, fmt.Errorf("%w: poll payload without call id", ErrUnknownPayload)
	}
	return ev, nil
}

func normalizeSession(p SessionPayload) (Event, error) {
	ev := Event{CallID: p.CallID, Reason: p.Reason, Caller: p.Caller, Source: SourceSession}
	switch p.State {
	case SessionEstablishing:
		ev.Kind = KindInitiated
	case SessionRinging:
		ev.Kind = KindRinging
	case SessionEstablished:
		ev.Kind = KindAnswered
	case SessionTerminated:
		ev.Kind = KindTerminated
		if ev.Reason == "" {
			ev.Reason = ReasonCompleted
		}
	case SessionIncoming:
		ev.Kind = KindIncoming
	default:
		return Event{}, fmt.Errorf("%w: session state %q", ErrUnknownPayload, p.State)
	}
	if ev.CallID == "" {
		return Event{}, fmt.Errorf("%w: session payload without call id", ErrUnknownPayload)
	}
	return ev, nil
}

func normalizeReason(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "":
		return ""
	case "busy":
		return ReasonBusy
	case "no-answer", "noanswer", "no_answer", "timeout":
		return ReasonNoAnswer
	case "rejected", "declined":
		return ReasonRejected
	case "canceled", "cancelled":
		return ReasonCanceled
	case "not-found":
		return ReasonNotFound
	case "unauthorized":
		return ReasonUnauthorized
	case "completed", "normal":
		return ReasonCompleted
	default:
		return ReasonFailed
	}
}
