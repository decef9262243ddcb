package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"collections-dialer/internal/dispatch"
	"collections-dialer/pkg/logger"
)

type SIPOptions struct {
	Domain       string
	Username     string
	Password     string
	DisplayName  string
	Transport    string
	ListenAddr   string
	ExternalHost string
	UserAgent    string
	TLSCertFile  string
	TLSKeyFile   string
}

// SIPStatusError is a non-2xx final response to an INVITE.
type SIPStatusError struct {
	Code   int
	Reason string
}

func (e *SIPStatusError) Error() string {
	return fmt.Sprintf("sip: %d %s", e.Code, e.Reason)
}

// sipStack is the protocol engine behind SIPTransport. The production
// implementation wraps sipgo; tests use a fake.
type sipStack interface {
	Serve(ctx context.Context, h sipHandler) error
	Invite(ctx context.Context, target string) (callID string, err error)
	WaitAnswer(ctx context.Context, callID string, onProvisional func(code int)) error
	Ack(ctx context.Context, callID string) error
	Bye(ctx context.Context, callID string) error
	Answer(callID string) error
	Decline(callID string) error
	Forget(callID string)
	Close() error
}

type sipHandler interface {
	onInvite(callID, displayName, user string)
	onBye(callID string)
	onCancel(callID string)
}

// SIPTransport places and receives calls as a SIP user agent. Dialog state
// changes are published to the dispatcher as session payloads.
type SIPTransport struct {
	opts  SIPOptions
	stack sipStack
	sink  dispatch.Sink
	log   *slog.Logger

	mu     sync.Mutex
	calls  map[string]*sipCall
	runCtx context.Context
	stop   context.CancelFunc
}

type sipCall struct {
	outbound bool
	answered bool
	cancel   context.CancelFunc
}

var _ Transport = (*SIPTransport)(nil)

func NewSIPTransport(opts SIPOptions, sink dispatch.Sink, log *slog.Logger) (*SIPTransport, error) {
	stack, err := newSipgoStack(opts, logger.Component(log, "sip"))
	if err != nil {
		return nil, err
	}
	return newSIPTransport(opts, stack, sink, log)
}

func newSIPTransport(opts SIPOptions, stack sipStack, sink dispatch.Sink, log *slog.Logger) (*SIPTransport, error) {
	if strings.TrimSpace(opts.Domain) == "" {
		return nil, errors.New("telephony: sip domain is required")
	}
	if sink == nil {
		return nil, errors.New("telephony: sip event sink is nil")
	}
	return &SIPTransport{
		opts:  opts,
		stack: stack,
		sink:  sink,
		log:   logger.Component(log, "sip"),
		calls: make(map[string]*sipCall),
	}, nil
}

func (t *SIPTransport) Name() string { return "sip" }

func (t *SIPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return nil
	}
	t.runCtx, t.stop = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := t.runCtx
	t.mu.Unlock()

	if err := t.stack.Serve(runCtx, t); err != nil {
		return fmt.Errorf("telephony: sip serve: %w", err)
	}
	t.log.Info("sip user agent started", "domain", t.opts.Domain, "transport", t.opts.Transport, "listen", t.opts.ListenAddr)
	return nil
}

func (t *SIPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	t.calls = make(map[string]*sipCall)
	t.mu.Unlock()
	return t.stack.Close()
}

// Target builds the request URI for number.
func (t *SIPTransport) Target(number string) string {
	uri := "sip:" + number + "@" + t.opts.Domain
	switch strings.ToLower(t.opts.Transport) {
	case "tcp", "ws", "tls":
		uri += ";transport=" + strings.ToLower(t.opts.Transport)
	}
	return uri
}

func (t *SIPTransport) Dial(ctx context.Context, number string) (Call, error) {
	t.mu.Lock()
	runCtx := t.runCtx
	t.mu.Unlock()
	if runCtx == nil {
		return Call{}, errors.New("telephony: sip transport not started")
	}

	callID, err := t.stack.Invite(ctx, t.Target(number))
	if err != nil {
		return Call{}, fmt.Errorf("%w: invite: %v", ErrRemote, err)
	}

	waitCtx, cancel := context.WithCancel(runCtx)
	t.mu.Lock()
	t.calls[callID] = &sipCall{outbound: true, cancel: cancel}
	t.mu.Unlock()

	t.publish(dispatch.SessionPayload{CallID: callID, State: dispatch.SessionEstablishing})
	go t.awaitAnswer(waitCtx, callID)

	return Call{ID: callID, Reference: callID}, nil
}

func (t *SIPTransport) awaitAnswer(ctx context.Context, callID string) {
	err := t.stack.WaitAnswer(ctx, callID, func(code int) {
		if code == 180 || code == 183 {
			t.publish(dispatch.SessionPayload{CallID: callID, State: dispatch.SessionRinging})
		}
	})
	if err == nil {
		if aerr := t.stack.Ack(ctx, callID); aerr != nil {
			t.log.Warn("ack failed", "call_id", callID, "err", aerr)
		}
		t.mu.Lock()
		if c, ok := t.calls[callID]; ok {
			c.answered = true
		}
		t.mu.Unlock()
		t.publish(dispatch.SessionPayload{CallID: callID, State: dispatch.SessionEstablished})
		return
	}

	reason := dispatch.ReasonFailed
	var se *SIPStatusError
	switch {
	case ctx.Err() != nil:
		reason = dispatch.ReasonCanceled
	case errors.As(err, &se):
		reason = sipReason(se.Code)
	}
	t.log.Info("invite ended without answer", "call_id", callID, "reason", reason, "err", err)
	t.forget(callID)
	t.publish(dispatch.SessionPayload{CallID: callID, State: dispatch.SessionTerminated, Reason: reason})
}

func (t *SIPTransport) Hangup(ctx context.Context, callID string) error {
	t.mu.Lock()
	c, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if c.outbound && !c.answered {
		// Cancelling the wait makes the stack send CANCEL.
		c.cancel()
		return nil
	}
	defer t.forget(callID)
	if err := t.stack.Bye(ctx, callID); err != nil {
		return fmt.Errorf("%w: bye: %v", ErrRemote, err)
	}
	return nil
}

func (t *SIPTransport) Accept(ctx context.Context, callID string) error {
	t.mu.Lock()
	c, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok || c.outbound {
		return ErrNotFound
	}
	if err := t.stack.Answer(callID); err != nil {
		return fmt.Errorf("%w: answer: %v", ErrRemote, err)
	}
	t.mu.Lock()
	c.answered = true
	t.mu.Unlock()
	return nil
}

func (t *SIPTransport) Reject(ctx context.Context, callID string) error {
	t.mu.Lock()
	c, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok || c.outbound {
		return ErrNotFound
	}
	defer t.forget(callID)
	if err := t.stack.Decline(callID); err != nil {
		return fmt.Errorf("%w: decline: %v", ErrRemote, err)
	}
	return nil
}

// SetMute only validates the call: media is not handled by this process.
func (t *SIPTransport) SetMute(ctx context.Context, callID string, muted bool) error {
	t.mu.Lock()
	_, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.log.Debug("mute is local for sip calls", "call_id", callID, "muted", muted)
	return nil
}

func (t *SIPTransport) onInvite(callID, displayName, user string) {
	t.mu.Lock()
	t.calls[callID] = &sipCall{cancel: func() {}}
	t.mu.Unlock()
	t.publish(dispatch.SessionPayload{
		CallID: callID,
		State:  dispatch.SessionIncoming,
		Caller: callerIdentity(displayName, user),
	})
}

func (t *SIPTransport) onBye(callID string) {
	if !t.forget(callID) {
		return
	}
	t.publish(dispatch.SessionPayload{CallID: callID, State: dispatch.SessionTerminated, Reason: dispatch.ReasonCompleted})
}

func (t *SIPTransport) onCancel(callID string) {
	if !t.forget(callID) {
		return
	}
	t.publish(dispatch.SessionPayload{CallID: callID, State: dispatch.SessionTerminated, Reason: dispatch.ReasonCanceled})
}

func (t *SIPTransport) forget(callID string) bool {
	t.mu.Lock()
	_, ok := t.calls[callID]
	delete(t.calls, callID)
	t.mu.Unlock()
	if ok {
		t.stack.Forget(callID)
	}
	return ok
}

func (t *SIPTransport) publish(p dispatch.SessionPayload) {
	if err := t.sink.Publish(context.Background(), p); err != nil {
		t.log.Warn("session event dropped", "call_id", p.CallID, "state", p.State, "err", err)
	}
}

// sipReason maps a final response code onto the terminal reason vocabulary.
func sipReason(code int) string {
	switch code {
	case 486, 600:
		return dispatch.ReasonBusy
	case 408, 480, 487:
		return dispatch.ReasonNoAnswer
	case 403, 603:
		return dispatch.ReasonRejected
	case 401, 407:
		return dispatch.ReasonUnauthorized
	case 404:
		return dispatch.ReasonNotFound
	default:
		return dispatch.ReasonFailed
	}
}

// callerIdentity renders a From header as "Display <user>" when both parts
// are present and differ.
func callerIdentity(displayName, user string) string {
	displayName = strings.Trim(strings.TrimSpace(displayName), `"`)
	user = strings.TrimSpace(user)
	switch {
	case displayName != "" && user != "" && displayName != user:
		return displayName + " <" + user + ">"
	case user != "":
		return user
	case displayName != "":
		return displayName
	default:
		return "unknown"
	}
}
