package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"collections-dialer/internal/credential"
	"collections-dialer/internal/dispatch"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/clock"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubTransport struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	dialErrs  []error
	dials     []string
	nextID    int
	hangups   []string
	accepts   []string
	rejects   []string
	hangupErr error
	muteErr   error
	onDial    func(id string)
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Start(context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Dial(_ context.Context, number string) (telephony.Call, error) {
	s.mu.Lock()
	s.dials = append(s.dials, number)
	var err error
	if len(s.dialErrs) > 0 {
		err, s.dialErrs = s.dialErrs[0], s.dialErrs[1:]
	}
	if err != nil {
		s.mu.Unlock()
		return telephony.Call{}, err
	}
	s.nextID++
	id := fmt.Sprintf("remote-%d", s.nextID)
	hook := s.onDial
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return telephony.Call{ID: id, Reference: "ref-" + id}, nil
}

func (s *stubTransport) Hangup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups = append(s.hangups, id)
	return s.hangupErr
}

func (s *stubTransport) Accept(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts = append(s.accepts, id)
	return nil
}

func (s *stubTransport) Reject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, id)
	return nil
}

func (s *stubTransport) SetMute(context.Context, string, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muteErr
}

func (s *stubTransport) rejected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejects...)
}

func (s *stubTransport) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dials)
}

type fakeCreds struct {
	mu         sync.Mutex
	tokenErr   error
	renewErr   error
	renewals   int
	authorized int
}

func (f *fakeCreds) Token(context.Context) (credential.Credential, error) {
	return credential.Credential{}, f.tokenErr
}

func (f *fakeCreds) ForceRenew(context.Context) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals++
	return credential.Credential{}, f.renewErr
}

func (f *fakeCreds) MarkAuthorized() {
	f.mu.Lock()
	f.authorized++
	f.mu.Unlock()
}

func newTestController(t *testing.T, tr telephony.Transport, mutate func(*Options)) (*Controller, *clock.FakeClock, *Subscription) {
	t.Helper()
	clk := clock.Fake(time.Unix(1700000000, 0))
	opts := Options{Clock: clk, CountryCode: "27"}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewController(tr, opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	sub := c.Subscribe()
	t.Cleanup(sub.Close)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	expectStates(t, sub, StateRegistered)
	return c, clk, sub
}

func nextOfKind(t *testing.T, sub *Subscription, kind NotificationKind) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-sub.C:
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notification", kind)
			return Notification{}
		}
	}
}

func expectStates(t *testing.T, sub *Subscription, states ...State) []Notification {
	t.Helper()
	out := make([]Notification, 0, len(states))
	for _, want := range states {
		n := nextOfKind(t, sub, NotifyState)
		if n.State != want {
			t.Fatalf("expected state %s, got %s (after %v)", want, n.State, out)
		}
		out = append(out, n)
	}
	return out
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case n := <-sub.C:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_DialAnswerHangup(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, clk, sub := newTestController(t, tr, func(o *Options) { o.Metrics = m })

	s, err := c.Dial(ctx, "082 123 4567")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if s.State != StateCalling || s.Counterpart != "27821234567" || s.ID != "remote-1" || s.Reference != "ref-remote-1" {
		t.Fatalf("unexpected session %+v", s)
	}
	if n := expectStates(t, sub, StateCalling)[0]; n.Counterpart != "27821234567" {
		t.Fatalf("expected counterpart on state change, got %+v", n)
	}

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: s.ID, Source: dispatch.SourcePush})
	expectStates(t, sub, StateConnected)

	for i := 1; i <= 3; i++ {
		clk.Advance(time.Second)
		if n := nextOfKind(t, sub, NotifyDuration); n.Seconds != i {
			t.Fatalf("tick %d: got %d seconds", i, n.Seconds)
		}
	}

	if err := c.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	ns := expectStates(t, sub, StateEnded, StateRegistered)
	final := ns[0]
	if !final.Final || final.Session.Outcome != dispatch.ReasonCompleted || final.Session.Duration(time.Time{}) != 3*time.Second {
		t.Fatalf("unexpected final notification %+v", final)
	}
	if len(tr.hangups) != 1 || tr.hangups[0] != "remote-1" {
		t.Fatalf("unexpected hangups %v", tr.hangups)
	}
	if _, ok := c.Current(); ok {
		t.Fatalf("session should be cleared")
	}

	clk.Advance(time.Second)
	expectQuiet(t, sub)

	if got := testutil.ToFloat64(m.calls.WithLabelValues("outbound", "completed")); got != 1 {
		t.Fatalf("expected one completed call metric, got %v", got)
	}
	if got := testutil.ToFloat64(m.active); got != 0 {
		t.Fatalf("expected no active call, got %v", got)
	}
}

func TestController_SecondDialRejectedWithoutTransition(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, _, sub := newTestController(t, tr, nil)

	if _, err := c.Dial(ctx, "0821234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	expectStates(t, sub, StateCalling)

	if _, err := c.Dial(ctx, "0820000000"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
	if _, err := c.Accept(ctx); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected no incoming call, got %v", err)
	}
	expectQuiet(t, sub)
	if c.State() != StateCalling || tr.dialCount() != 1 {
		t.Fatalf("second dial must not reach the transport")
	}
}

func TestController_InvalidNumberAndNotReady(t *testing.T) {
	tr := &stubTransport{}
	c, err := NewController(tr, Options{Clock: clock.Fake(time.Now())})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Dial(context.Background(), "abc"); !errors.Is(err, telephony.ErrInvalidNumber) {
		t.Fatalf("expected invalid number, got %v", err)
	}
	if _, err := c.Dial(context.Background(), "0821234567"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready before start, got %v", err)
	}
}

func TestController_AuthFailureFailsWithoutCalling(t *testing.T) {
	tr := &stubTransport{}
	creds := &fakeCreds{tokenErr: fmt.Errorf("%w: bad password", credential.ErrAuthFailed)}
	c, _, sub := newTestController(t, tr, func(o *Options) { o.Credentials = creds })

	if _, err := c.Dial(context.Background(), "0821234567"); !errors.Is(err, credential.ErrAuthFailed) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	ns := expectStates(t, sub, StateFailed, StateRegistered)
	if !ns[0].Final || ns[0].Session.Outcome != dispatch.ReasonUnauthorized {
		t.Fatalf("unexpected failure notification %+v", ns[0])
	}
	if tr.dialCount() != 0 {
		t.Fatalf("transport must not be dialled without a credential")
	}
	if c.State() != StateRegistered {
		t.Fatalf("expected registered, got %s", c.State())
	}
}

func TestController_UnauthorizedRenewsAndRetriesOnce(t *testing.T) {
	tr := &stubTransport{dialErrs: []error{telephony.ErrUnauthorized}}
	creds := &fakeCreds{}
	c, _, sub := newTestController(t, tr, func(o *Options) { o.Credentials = creds })

	s, err := c.Dial(context.Background(), "0821234567")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	expectStates(t, sub, StateCalling)
	if s.ID != "remote-1" || tr.dialCount() != 2 || creds.renewals != 1 || creds.authorized != 1 {
		t.Fatalf("expected one renewal and one retry: dials=%d renewals=%d authorized=%d", tr.dialCount(), creds.renewals, creds.authorized)
	}
}

func TestController_UnauthorizedTwiceFails(t *testing.T) {
	tr := &stubTransport{dialErrs: []error{telephony.ErrUnauthorized, telephony.ErrUnauthorized}}
	creds := &fakeCreds{}
	c, _, sub := newTestController(t, tr, func(o *Options) { o.Credentials = creds })

	if _, err := c.Dial(context.Background(), "0821234567"); !errors.Is(err, telephony.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	ns := expectStates(t, sub, StateFailed, StateRegistered)
	if ns[0].Session.Outcome != dispatch.ReasonUnauthorized {
		t.Fatalf("unexpected outcome %q", ns[0].Session.Outcome)
	}
	if tr.dialCount() != 2 || creds.renewals != 1 {
		t.Fatalf("expected exactly one retry, dials=%d renewals=%d", tr.dialCount(), creds.renewals)
	}
	if c.State() != StateRegistered {
		t.Fatalf("expected registered, got %s", c.State())
	}
}

func TestController_HangupUnauthorizedAfterRetryFails(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{hangupErr: telephony.ErrUnauthorized}
	creds := &fakeCreds{}
	c, _, sub := newTestController(t, tr, func(o *Options) { o.Credentials = creds })

	s, _ := c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)
	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: s.ID})
	expectStates(t, sub, StateConnected)

	if err := c.Hangup(ctx); !errors.Is(err, telephony.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	expectStates(t, sub, StateFailed, StateRegistered)
	if len(tr.hangups) != 2 || creds.renewals != 1 {
		t.Fatalf("expected one retry, hangups=%v renewals=%d", tr.hangups, creds.renewals)
	}
}

func TestController_HangupEndsLocallyOnRemoteError(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{hangupErr: telephony.ErrRemote}
	c, _, sub := newTestController(t, tr, nil)

	c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)
	if err := c.Hangup(ctx); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	ns := expectStates(t, sub, StateEnded, StateRegistered)
	if ns[0].Session.Outcome != dispatch.ReasonCanceled {
		t.Fatalf("hangup before answer should be canceled, got %q", ns[0].Session.Outcome)
	}
}

func TestController_RemoteFailureAndStaleEvents(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, _, sub := newTestController(t, tr, nil)

	s, _ := c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindTerminated, CallID: "someone-else", Reason: dispatch.ReasonBusy})
	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindRinging, CallID: s.Reference})
	expectQuiet(t, sub)

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindTerminated, CallID: s.Reference, Reason: dispatch.ReasonBusy})
	ns := expectStates(t, sub, StateFailed, StateRegistered)
	if ns[0].Session.Outcome != dispatch.ReasonBusy {
		t.Fatalf("expected busy outcome, got %q", ns[0].Session.Outcome)
	}

	// A late duplicate from the other producer is discarded.
	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindTerminated, CallID: s.ID, Source: dispatch.SourcePoll})
	expectQuiet(t, sub)
}

func TestController_EventsDuringDialAreReplayed(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	var c *Controller
	tr.onDial = func(id string) {
		c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: id, Source: dispatch.SourcePush})
	}
	c, _, sub := newTestController(t, tr, nil)

	s, err := c.Dial(ctx, "0821234567")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if s.State != StateCalling {
		t.Fatalf("unexpected dial snapshot %+v", s)
	}
	expectStates(t, sub, StateCalling, StateConnected)
}

func TestController_HangupWhileDialling(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	var c *Controller
	tr.onDial = func(string) {
		if err := c.Hangup(ctx); err != nil {
			t.Errorf("hangup during dial: %v", err)
		}
	}
	c, _, sub := newTestController(t, tr, nil)

	if _, err := c.Dial(ctx, "0821234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	ns := expectStates(t, sub, StateCalling, StateEnded, StateRegistered)
	if ns[1].Session.Outcome != dispatch.ReasonCanceled || len(tr.hangups) != 1 {
		t.Fatalf("expected canceled call, got %+v hangups=%v", ns[1].Session, tr.hangups)
	}
}

func TestController_InboundRejectReturnsToRegistered(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, _, sub := newTestController(t, tr, nil)

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-1", Caller: "Jane Debtor <0821234567>", Source: dispatch.SourceSession})
	expectStates(t, sub, StateIncoming)
	if n := nextOfKind(t, sub, NotifyIncoming); n.Caller != "Jane Debtor <0821234567>" {
		t.Fatalf("unexpected caller %q", n.Caller)
	}

	if err := c.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}
	ns := expectStates(t, sub, StateIdle, StateRegistered)
	if !ns[0].Final || ns[0].Session.Outcome != dispatch.ReasonRejected {
		t.Fatalf("unexpected reject notification %+v", ns[0])
	}
	if got := tr.rejected(); len(got) != 1 || got[0] != "in-1" {
		t.Fatalf("unexpected rejects %v", got)
	}
}

func TestController_InboundAccept(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, _, sub := newTestController(t, tr, nil)

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-1", Caller: "100"})
	expectStates(t, sub, StateIncoming)

	s, err := c.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.State != StateConnected || s.Direction != Inbound || len(tr.accepts) != 1 {
		t.Fatalf("unexpected session %+v", s)
	}
	expectStates(t, sub, StateConnected)

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindTerminated, CallID: "in-1", Reason: dispatch.ReasonCompleted})
	expectStates(t, sub, StateEnded, StateRegistered)
}

func TestController_RingTimeoutMissesCall(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, clk, sub := newTestController(t, tr, func(o *Options) { o.RingTimeout = 20 * time.Second })

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-1", Caller: "100"})
	expectStates(t, sub, StateIncoming)

	clk.Advance(20 * time.Second)
	ns := expectStates(t, sub, StateMissed, StateRegistered)
	if ns[0].Session.Outcome != dispatch.ReasonNoAnswer {
		t.Fatalf("unexpected outcome %q", ns[0].Session.Outcome)
	}
	eventually(t, func() bool { return len(tr.rejected()) == 1 })
}

func TestController_RemoteCancelMissesCall(t *testing.T) {
	ctx := context.Background()
	c, _, sub := newTestController(t, &stubTransport{}, nil)

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-1"})
	expectStates(t, sub, StateIncoming)
	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindTerminated, CallID: "in-1", Reason: dispatch.ReasonCanceled})
	expectStates(t, sub, StateMissed, StateRegistered)
}

func TestController_IncomingWhileBusyIsDeclined(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, _, sub := newTestController(t, tr, nil)

	c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-9", Caller: "200"})
	eventually(t, func() bool {
		got := tr.rejected()
		return len(got) == 1 && got[0] == "in-9"
	})
	expectQuiet(t, sub)
	if c.State() != StateCalling {
		t.Fatalf("active call must be untouched, state %s", c.State())
	}
}

func TestController_LineLock(t *testing.T) {
	ctx := context.Background()
	lock := NewMemoryLineLock()
	c, _, sub := newTestController(t, &stubTransport{}, func(o *Options) { o.LineLock = lock })

	if _, err := c.Dial(ctx, "0821234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	expectStates(t, sub, StateCalling)
	if lock.Holder() == "" {
		t.Fatalf("line should be held during the call")
	}
	c.Hangup(ctx)
	expectStates(t, sub, StateEnded, StateRegistered)
	if lock.Holder() != "" {
		t.Fatalf("line should be released, held by %q", lock.Holder())
	}

	_ = lock.Acquire(ctx, "other-process")
	_, err := c.Dial(ctx, "0821234567")
	if !errors.Is(err, ErrCallInProgress) || !errors.Is(err, ErrLineBusy) {
		t.Fatalf("expected line busy, got %v", err)
	}
	expectQuiet(t, sub)
	if _, ok := c.Current(); ok {
		t.Fatalf("reservation should be dropped")
	}
}

func TestController_Mute(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, _, sub := newTestController(t, tr, nil)

	s, _ := c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)
	if err := c.SetMute(ctx, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("mute before answer: got %v", err)
	}

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: s.ID})
	expectStates(t, sub, StateConnected)
	if err := c.SetMute(ctx, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if n := nextOfKind(t, sub, NotifyMute); !n.Muted {
		t.Fatalf("expected muted notification")
	}
	if cur, _ := c.Current(); !cur.Muted {
		t.Fatalf("session should be muted")
	}

	tr.muteErr = telephony.ErrRemote
	if err := c.SetMute(ctx, false); err != nil {
		t.Fatalf("unacknowledged unmute should apply locally, got %v", err)
	}
	if n := nextOfKind(t, sub, NotifyMute); n.Muted {
		t.Fatalf("expected unmuted notification")
	}
	if cur, _ := c.Current(); cur.Muted {
		t.Fatalf("session should be unmuted")
	}

	tr.muteErr = telephony.ErrUnsupported
	if err := c.SetMute(ctx, true); !errors.Is(err, telephony.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if cur, _ := c.Current(); cur.Muted {
		t.Fatalf("unsupported mute must not change the session")
	}
}

func TestController_MuteUnauthorizedAfterRetryFails(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{muteErr: telephony.ErrUnauthorized}
	creds := &fakeCreds{}
	c, _, sub := newTestController(t, tr, func(o *Options) { o.Credentials = creds })

	s, _ := c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)
	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: s.ID})
	expectStates(t, sub, StateConnected)

	if err := c.SetMute(ctx, true); !errors.Is(err, telephony.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	expectStates(t, sub, StateFailed, StateRegistered)
	if creds.renewals != 1 {
		t.Fatalf("expected one renewal, got %d", creds.renewals)
	}
}

func TestController_AcceptWhileCallActive(t *testing.T) {
	ctx := context.Background()
	c, _, sub := newTestController(t, &stubTransport{}, nil)

	if _, err := c.Accept(ctx); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("accept with no session: got %v", err)
	}

	s, _ := c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)
	if _, err := c.Accept(ctx); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("accept while calling: got %v", err)
	}

	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: s.ID})
	expectStates(t, sub, StateConnected)
	if _, err := c.Accept(ctx); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("accept while connected: got %v", err)
	}
	expectQuiet(t, sub)
	if cur, _ := c.Current(); cur.State != StateConnected {
		t.Fatalf("session should stay connected, got %s", cur.State)
	}
}

func TestController_CloseRefusedWhileActive(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransport{}
	c, _, sub := newTestController(t, tr, nil)

	c.Dial(ctx, "0821234567")
	expectStates(t, sub, StateCalling)
	if err := c.Close(ctx); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("expected close refused, got %v", err)
	}

	c.Hangup(ctx)
	expectStates(t, sub, StateEnded, StateRegistered)
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectStates(t, sub, StateIdle)
	if !tr.closed {
		t.Fatalf("transport should be closed")
	}
}

func TestController_CallbackHelpers(t *testing.T) {
	ctx := context.Background()
	c, clk, sub := newTestController(t, &stubTransport{}, nil)

	states := make(chan State, 8)
	ticks := make(chan time.Duration, 8)
	callers := make(chan string, 1)
	defer c.OnStateChange(func(s State, _ string) { states <- s })()
	defer c.OnDurationTick(func(d time.Duration) { ticks <- d })()
	defer c.OnIncomingCall(func(caller string) { callers <- caller })()

	s, _ := c.Dial(ctx, "0821234567")
	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindAnswered, CallID: s.ID})
	expectStates(t, sub, StateCalling, StateConnected)
	clk.Advance(time.Second)

	for _, want := range []State{StateCalling, StateConnected} {
		select {
		case got := <-states:
			if got != want {
				t.Fatalf("got %s want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no state callback")
		}
	}
	select {
	case d := <-ticks:
		if d != time.Second {
			t.Fatalf("unexpected tick %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no duration callback")
	}

	c.Hangup(ctx)
	c.HandleEvent(ctx, dispatch.Event{Kind: dispatch.KindIncoming, CallID: "in-1", Caller: "Jane <100>"})
	select {
	case got := <-callers:
		if got != "Jane <100>" {
			t.Fatalf("unexpected caller %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no incoming callback")
	}
}
