package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collections-dialer/internal/credential"
	"collections-dialer/internal/dispatch"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/clock"
	"collections-dialer/pkg/logger"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

const (
	defaultRingTimeout = 30 * time.Second
	durationTick       = time.Second
	lineReleaseTimeout = 5 * time.Second
	earlyEventLimit    = 16
)

// fsm event names.
const (
	evReady      = "ready"
	evUnregister = "unregister"
	evDial       = "dial"
	evAnswer     = "answer"
	evFail       = "fail"
	evTerminate  = "terminate"
	evInvite     = "invite"
	evAccept     = "accept"
	evReject     = "reject"
	evMiss       = "miss"
	evReset      = "reset"
)

// Credentials is the part of the credential manager the controller needs.
type Credentials interface {
	Token(ctx context.Context) (credential.Credential, error)
	ForceRenew(ctx context.Context) (credential.Credential, error)
	MarkAuthorized()
}

var _ Credentials = (*credential.Manager)(nil)

type Options struct {
	// Credentials is optional; without it dials skip the token check and
	// unauthorized responses are not retried.
	Credentials Credentials
	// Sink receives poll results. Polling is off when nil or when the
	// transport cannot report status.
	Sink     dispatch.Sink
	LineLock LineLock

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics

	CountryCode      string
	PollInitialDelay time.Duration
	PollInterval     time.Duration
	RingTimeout      time.Duration
}

// Controller owns the call state machine and the single active session.
//
// Concurrency: every state change happens under mu, in the order events are
// applied. Transport commands run outside mu; their outcome is applied only
// if the session they were issued for is still the active one.
type Controller struct {
	transport   telephony.Transport
	creds       Credentials
	lock        LineLock
	poller      *Poller
	clock       clock.Clock
	log         *slog.Logger
	metrics     *Metrics
	notes       *notifier
	countryCode string
	ringTimeout time.Duration

	mu        sync.Mutex
	machine   *fsm.FSM
	session   *Session
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	// dialing is set while the transport dial for a reserved session is in
	// flight; events that arrive meanwhile are held in early.
	dialing         bool
	hangupRequested bool
	early           []dispatch.Event

	lockOwner  string
	stopTicker func()
	stopPoller context.CancelFunc
	ringTimer  *clock.Timer
}

var _ dispatch.Handler = (*Controller)(nil)

func NewController(transport telephony.Transport, opts Options) (*Controller, error) {
	if transport == nil {
		return nil, errors.New("calls: transport is nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaultRingTimeout
	}

	c := &Controller{
		transport:   transport,
		creds:       opts.Credentials,
		lock:        opts.LineLock,
		clock:       opts.Clock,
		log:         logger.Component(opts.Logger, "calls"),
		metrics:     opts.Metrics,
		notes:       newNotifier(),
		countryCode: opts.CountryCode,
		ringTimeout: opts.RingTimeout,
	}

	if fetcher, ok := transport.(telephony.StatusFetcher); ok && opts.Sink != nil {
		p, err := NewPoller(fetcher, opts.Sink, PollerOptions{
			InitialDelay: opts.PollInitialDelay,
			Interval:     opts.PollInterval,
			Clock:        opts.Clock,
			Logger:       opts.Logger,
			Metrics:      opts.Metrics,
			Active:       c.pollActive,
			Unauthorized: c.forceRenew,
		})
		if err != nil {
			return nil, err
		}
		c.poller = p
	}

	c.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evReady, Src: []string{string(StateIdle)}, Dst: string(StateRegistered)},
			{Name: evUnregister, Src: []string{string(StateRegistered)}, Dst: string(StateIdle)},
			{Name: evDial, Src: []string{string(StateRegistered)}, Dst: string(StateCalling)},
			{Name: evAnswer, Src: []string{string(StateCalling)}, Dst: string(StateConnected)},
			{Name: evFail, Src: []string{string(StateRegistered), string(StateCalling), string(StateIncoming), string(StateConnected)}, Dst: string(StateFailed)},
			{Name: evTerminate, Src: []string{string(StateCalling), string(StateConnected)}, Dst: string(StateEnded)},
			{Name: evInvite, Src: []string{string(StateRegistered)}, Dst: string(StateIncoming)},
			{Name: evAccept, Src: []string{string(StateIncoming)}, Dst: string(StateConnected)},
			{Name: evReject, Src: []string{string(StateIncoming)}, Dst: string(StateIdle)},
			{Name: evMiss, Src: []string{string(StateIncoming)}, Dst: string(StateMissed)},
			{Name: evReset, Src: []string{string(StateEnded), string(StateFailed), string(StateMissed)}, Dst: string(StateRegistered)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.metrics.transition(e.Src, e.Dst)
			},
		},
	)
	return c, nil
}

/* ===================== LIFECYCLE ===================== */

// Start starts the transport and moves the controller to registered.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("calls: start %s transport: %w", c.transport.Name(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.started = true
	c.fireLocked(evReady)
	c.log.Info("call controller ready", "transport", c.transport.Name())
	return nil
}

// Close stops the transport. It is refused while a session is active.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	wasStarted := c.started
	c.started = false
	if State(c.machine.Current()) == StateRegistered {
		c.fireLocked(evUnregister)
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()

	if !wasStarted {
		return nil
	}
	return c.transport.Close(ctx)
}

/* ===================== QUERIES ===================== */

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.machine.Current())
}

// Current returns a snapshot of the active session.
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

func (c *Controller) TransportName() string { return c.transport.Name() }

/* ===================== NOTIFICATIONS ===================== */

// Subscribe returns an ordered notification stream. Close it when done.
func (c *Controller) Subscribe() *Subscription {
	return c.notes.subscribe()
}

// OnStateChange calls fn with each new state and the counterpart number.
func (c *Controller) OnStateChange(fn func(state State, counterpart string)) (unsubscribe func()) {
	return c.listen(func(n Notification) {
		if n.Kind == NotifyState {
			fn(n.State, n.Counterpart)
		}
	})
}

// OnDurationTick calls fn every second while a call is connected.
func (c *Controller) OnDurationTick(fn func(d time.Duration)) (unsubscribe func()) {
	return c.listen(func(n Notification) {
		if n.Kind == NotifyDuration {
			fn(n.Duration)
		}
	})
}

// OnIncomingCall calls fn with the caller identity of each inbound invite.
func (c *Controller) OnIncomingCall(fn func(caller string)) (unsubscribe func()) {
	return c.listen(func(n Notification) {
		if n.Kind == NotifyIncoming {
			fn(n.Caller)
		}
	})
}

func (c *Controller) listen(fn func(Notification)) func() {
	sub := c.notes.subscribe()
	go func() {
		for n := range sub.C {
			fn(n)
		}
	}()
	return sub.Close
}

/* ===================== COMMANDS ===================== */

// Dial starts an outbound call. While another session is live it fails with
// ErrCallInProgress and nothing changes.
func (c *Controller) Dial(ctx context.Context, number string) (Session, error) {
	normalized, err := telephony.NormalizeNumber(number, c.countryCode)
	if err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return Session{}, ErrCallInProgress
	}
	if State(c.machine.Current()) != StateRegistered {
		c.mu.Unlock()
		return Session{}, ErrNotReady
	}
	ref := uuid.NewString()
	c.session = &Session{
		Reference:   ref,
		Direction:   Outbound,
		Counterpart: normalized,
		State:       StateRegistered,
		Transport:   c.transport.Name(),
		StartedAt:   c.clock.Now(),
	}
	c.dialing = true
	c.mu.Unlock()

	log := c.log.With("reference", ref)

	if err := c.acquireLine(ctx, ref); err != nil {
		if errors.Is(err, ErrLineBusy) {
			c.mu.Lock()
			c.abandonLocked(ref)
			c.mu.Unlock()
			return Session{}, fmt.Errorf("%w: %w", ErrCallInProgress, err)
		}
		c.failDial(ref, dispatch.ReasonFailed)
		return Session{}, err
	}

	if c.creds != nil {
		if _, err := c.creds.Token(ctx); err != nil {
			log.Warn("dial aborted: no credential", "err", err)
			c.failDial(ref, dispatch.ReasonUnauthorized)
			return Session{}, fmt.Errorf("calls: dial: %w", err)
		}
	}

	var call telephony.Call
	err = c.withAuthRetry(ctx, "dial", func(ctx context.Context) error {
		var derr error
		call, derr = c.transport.Dial(ctx, normalized)
		return derr
	})
	if err != nil {
		reason := dispatch.ReasonFailed
		if errors.Is(err, telephony.ErrUnauthorized) {
			reason = dispatch.ReasonUnauthorized
		}
		log.Warn("dial failed", "err", err)
		c.failDial(ref, reason)
		return Session{}, fmt.Errorf("calls: dial: %w", err)
	}

	c.mu.Lock()
	if c.session == nil || c.session.Reference != ref {
		c.mu.Unlock()
		return Session{}, ErrNoActiveCall
	}
	c.session.ID = call.ID
	if call.Reference != "" {
		c.session.Reference = call.Reference
	}
	c.dialing = false
	c.fireLocked(evDial)
	snapshot := *c.session

	early := c.early
	c.early = nil
	for _, ev := range early {
		if reject := c.applyLocked(ev); reject != "" {
			c.rejectQuietly(reject)
		}
	}
	hangup := c.hangupRequested && c.session != nil && c.session.ID == call.ID
	c.hangupRequested = false
	c.mu.Unlock()

	log.Info("dialled", "call_id", call.ID, "transport", c.transport.Name())
	if hangup {
		if err := c.Hangup(ctx); err != nil && !errors.Is(err, ErrNoActiveCall) {
			return snapshot, err
		}
	}
	return snapshot, nil
}

// Hangup ends the active call. Transport errors other than unauthorized are
// logged and the session still ends locally.
func (c *Controller) Hangup(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.dialing {
		c.hangupRequested = true
		c.mu.Unlock()
		return nil
	}
	state := State(c.machine.Current())
	if state == StateIncoming {
		c.mu.Unlock()
		return c.Reject(ctx)
	}
	if state != StateCalling && state != StateConnected {
		c.mu.Unlock()
		return ErrInvalidState
	}
	id := s.ID
	c.mu.Unlock()

	err := c.withAuthRetry(ctx, "hangup", func(ctx context.Context) error {
		return c.transport.Hangup(ctx, id)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(id) {
		return nil
	}
	if errors.Is(err, telephony.ErrUnauthorized) {
		c.session.Outcome = dispatch.ReasonUnauthorized
		c.fireLocked(evFail)
		return fmt.Errorf("calls: hangup: %w", err)
	}
	if err != nil {
		c.log.Warn("hangup not acknowledged; ending locally", "call_id", id, "err", err)
	}
	if c.session.Outcome == "" {
		c.session.Outcome = dispatch.ReasonCompleted
		if State(c.machine.Current()) == StateCalling {
			c.session.Outcome = dispatch.ReasonCanceled
		}
	}
	c.fireLocked(evTerminate)
	return nil
}

// Accept answers the ringing inbound call. Any other live session makes it
// fail with ErrCallInProgress.
func (c *Controller) Accept(ctx context.Context) (Session, error) {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return Session{}, ErrNoActiveCall
	}
	if State(c.machine.Current()) != StateIncoming {
		c.mu.Unlock()
		return Session{}, ErrCallInProgress
	}
	id, ref := s.ID, s.Reference
	c.mu.Unlock()

	if err := c.acquireLine(ctx, ref); err != nil {
		if errors.Is(err, ErrLineBusy) {
			return Session{}, fmt.Errorf("%w: %w", ErrCallInProgress, err)
		}
		return Session{}, err
	}

	err := c.withAuthRetry(ctx, "accept", func(ctx context.Context) error {
		return c.transport.Accept(ctx, id)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(id) || State(c.machine.Current()) != StateIncoming {
		return Session{}, ErrNoActiveCall
	}
	if errors.Is(err, telephony.ErrUnauthorized) {
		c.session.Outcome = dispatch.ReasonUnauthorized
		c.fireLocked(evFail)
		return Session{}, fmt.Errorf("calls: accept: %w", err)
	}
	if err != nil {
		c.log.Warn("accept not acknowledged; connecting locally", "call_id", id, "err", err)
	}
	c.fireLocked(evAccept)
	return *c.session, nil
}

// Reject declines the ringing inbound call.
func (c *Controller) Reject(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil || State(c.machine.Current()) != StateIncoming {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	id := s.ID
	c.mu.Unlock()

	err := c.withAuthRetry(ctx, "reject", func(ctx context.Context) error {
		return c.transport.Reject(ctx, id)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(id) || State(c.machine.Current()) != StateIncoming {
		return nil
	}
	if errors.Is(err, telephony.ErrUnauthorized) {
		c.session.Outcome = dispatch.ReasonUnauthorized
		c.fireLocked(evFail)
		return fmt.Errorf("calls: reject: %w", err)
	}
	if err != nil {
		c.log.Warn("reject not acknowledged; dropping locally", "call_id", id, "err", err)
	}
	c.session.Outcome = dispatch.ReasonRejected
	c.fireLocked(evReject)
	return nil
}

// SetMute mutes or unmutes the connected call. Like hangup, an
// unacknowledged change still applies locally; only a transport without
// mute support refuses it.
func (c *Controller) SetMute(ctx context.Context, muted bool) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if State(c.machine.Current()) != StateConnected {
		c.mu.Unlock()
		return ErrInvalidState
	}
	id := s.ID
	c.mu.Unlock()

	err := c.withAuthRetry(ctx, "mute", func(ctx context.Context) error {
		return c.transport.SetMute(ctx, id, muted)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(id) {
		return ErrNoActiveCall
	}
	if errors.Is(err, telephony.ErrUnauthorized) {
		c.session.Outcome = dispatch.ReasonUnauthorized
		c.fireLocked(evFail)
		return fmt.Errorf("calls: mute: %w", err)
	}
	if errors.Is(err, telephony.ErrUnsupported) {
		return fmt.Errorf("calls: mute: %w", err)
	}
	if err != nil {
		c.log.Warn("mute not acknowledged; applying locally", "call_id", id, "muted", muted, "err", err)
	}
	c.session.Muted = muted
	c.notifyLocked(Notification{
		Kind:        NotifyMute,
		State:       c.session.State,
		Counterpart: c.session.Counterpart,
		Muted:       muted,
		Session:     *c.session,
		At:          c.clock.Now(),
	})
	return nil
}

/* ===================== EVENTS ===================== */

// HandleEvent applies one normalized transport event. It is called by the
// dispatcher in queue order.
func (c *Controller) HandleEvent(ctx context.Context, ev dispatch.Event) {
	c.mu.Lock()
	reject := c.applyLocked(ev)
	c.mu.Unlock()

	if reject != "" {
		c.rejectQuietly(reject)
	}
}

// applyLocked returns the id of an inbound call to decline, if any.
func (c *Controller) applyLocked(ev dispatch.Event) string {
	state := State(c.machine.Current())

	if ev.Kind == dispatch.KindIncoming {
		if c.session.matches(ev.CallID) {
			return ""
		}
		if c.session != nil || state != StateRegistered {
			c.log.Info("incoming call while busy; declining", "call_id", ev.CallID, "caller", ev.Caller, "state", state)
			return ev.CallID
		}
		c.session = &Session{
			ID:          ev.CallID,
			Reference:   ev.CallID,
			Direction:   Inbound,
			Counterpart: ev.Caller,
			State:       state,
			Transport:   c.transport.Name(),
			StartedAt:   c.clock.Now(),
		}
		c.fireLocked(evInvite)
		return ""
	}

	if c.dialing && c.session != nil {
		if len(c.early) < earlyEventLimit {
			c.early = append(c.early, ev)
		}
		return ""
	}
	if !c.session.matches(ev.CallID) {
		c.metrics.staleEvent()
		c.log.Debug("stale event discarded", "call_id", ev.CallID, "kind", ev.Kind, "source", ev.Source)
		return ""
	}

	switch ev.Kind {
	case dispatch.KindInitiated, dispatch.KindRinging:
		c.log.Debug("call progress", "call_id", ev.CallID, "kind", ev.Kind)
	case dispatch.KindAnswered:
		if state == StateCalling {
			c.fireLocked(evAnswer)
		}
	case dispatch.KindTerminated:
		if c.session.Outcome == "" {
			c.session.Outcome = ev.Reason
		}
		switch state {
		case StateCalling:
			if ev.IsFailure() {
				c.fireLocked(evFail)
			} else {
				c.fireLocked(evTerminate)
			}
		case StateConnected:
			c.fireLocked(evTerminate)
		case StateIncoming:
			c.fireLocked(evMiss)
		}
	}
	return ""
}

/* ===================== TRANSITIONS ===================== */

func (c *Controller) fireLocked(event string) bool {
	from := State(c.machine.Current())
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.log.Warn("transition refused", "event", event, "state", from, "err", err)
		return false
	}
	to := State(c.machine.Current())

	attrs := []any{"from", from, "to", to, "event", event}
	if c.session != nil {
		attrs = append(attrs, "call_id", c.session.ID)
	}
	c.log.Info("call state changed", attrs...)

	c.enterLocked(from, to)
	return true
}

func (c *Controller) enterLocked(from, to State) {
	now := c.clock.Now()
	s := c.session
	if s != nil {
		s.State = to
	}

	switch to {
	case StateCalling:
		c.metrics.setActive(true)
		c.startPollerLocked()
	case StateIncoming:
		c.metrics.setActive(true)
		c.startRingTimerLocked()
	case StateConnected:
		s.ConnectedAt = now
		c.stopRingTimerLocked()
		c.startTickerLocked()
		c.startPollerLocked()
	}

	final := s != nil && (to.Terminal() || (to == StateIdle && from == StateIncoming))
	if final {
		s.EndedAt = now
		if s.Outcome == "" {
			s.Outcome = defaultOutcome(to)
		}
	}

	n := Notification{Kind: NotifyState, State: to, Final: final, At: now}
	if s != nil {
		n.Counterpart = s.Counterpart
		n.Session = *s
	}
	c.notifyLocked(n)
	if to == StateIncoming {
		c.notifyLocked(Notification{Kind: NotifyIncoming, State: to, Caller: s.Counterpart, Session: *s, At: now})
	}

	if !final {
		return
	}
	c.finishLocked(now)
	switch {
	case to.Terminal():
		c.fireLocked(evReset)
	case c.started:
		c.fireLocked(evReady)
	}
}

func defaultOutcome(s State) string {
	switch s {
	case StateEnded:
		return dispatch.ReasonCompleted
	case StateMissed:
		return dispatch.ReasonNoAnswer
	case StateIdle:
		return dispatch.ReasonRejected
	default:
		return dispatch.ReasonFailed
	}
}

// finishLocked tears down everything the session owned and clears it.
func (c *Controller) finishLocked(now time.Time) {
	c.stopTickerLocked()
	c.stopPollerLocked()
	c.stopRingTimerLocked()

	if owner := c.lockOwner; owner != "" {
		c.lockOwner = ""
		c.releaseLine(owner)
	}

	s := *c.session
	c.metrics.finished(s, s.Duration(now).Seconds())
	c.metrics.setActive(false)
	c.log.Info("call finished", "call_id", s.ID, "direction", s.Direction, "outcome", s.Outcome, "duration", s.Duration(now))

	c.session = nil
	c.dialing = false
	c.hangupRequested = false
	c.early = nil
}

// failDial moves a reserved outbound session to failed before it was dialled.
func (c *Controller) failDial(ref, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Reference != ref {
		return
	}
	c.dialing = false
	c.early = nil
	c.session.Outcome = reason
	c.fireLocked(evFail)
}

// abandonLocked drops a reservation without any transition.
func (c *Controller) abandonLocked(ref string) {
	if c.session == nil || c.session.Reference != ref {
		return
	}
	c.session = nil
	c.dialing = false
	c.hangupRequested = false
	c.early = nil
}

func (c *Controller) isCurrentLocked(id string) bool {
	return c.session != nil && c.session.ID == id
}

func (c *Controller) notifyLocked(n Notification) {
	c.notes.publish(n)
}

/* ===================== SIDE EFFECTS ===================== */

func (c *Controller) baseCtx() context.Context {
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *Controller) startTickerLocked() {
	c.stopTickerLocked()
	id := c.session.ID
	t := c.clock.NewTicker(durationTick)
	done := make(chan struct{})
	c.stopTicker = func() {
		t.Stop()
		close(done)
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case <-t.C:
				c.tick(id)
			}
		}
	}()
}

func (c *Controller) stopTickerLocked() {
	if c.stopTicker != nil {
		c.stopTicker()
		c.stopTicker = nil
	}
}

func (c *Controller) tick(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(id) || c.session.State != StateConnected {
		return
	}
	now := c.clock.Now()
	d := c.session.Duration(now)
	c.notifyLocked(Notification{
		Kind:        NotifyDuration,
		State:       StateConnected,
		Counterpart: c.session.Counterpart,
		Duration:    d,
		Seconds:     int(d / time.Second),
		Session:     *c.session,
		At:          now,
	})
}

func (c *Controller) startPollerLocked() {
	if c.poller == nil || c.stopPoller != nil || c.session == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx())
	c.stopPoller = cancel
	go c.poller.Run(ctx, c.session.ID)
}

func (c *Controller) stopPollerLocked() {
	if c.stopPoller != nil {
		c.stopPoller()
		c.stopPoller = nil
	}
}

func (c *Controller) pollActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(id) {
		return false
	}
	state := State(c.machine.Current())
	return state == StateCalling || state == StateConnected
}

func (c *Controller) startRingTimerLocked() {
	c.stopRingTimerLocked()
	id := c.session.ID
	c.ringTimer = c.clock.AfterFunc(c.ringTimeout, func() { c.ringExpired(id) })
}

func (c *Controller) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Controller) ringExpired(id string) {
	c.mu.Lock()
	if !c.isCurrentLocked(id) || State(c.machine.Current()) != StateIncoming {
		c.mu.Unlock()
		return
	}
	c.ringTimer = nil
	c.session.Outcome = dispatch.ReasonNoAnswer
	c.fireLocked(evMiss)
	c.mu.Unlock()

	c.rejectQuietly(id)
}

// rejectQuietly declines an inbound call we will not take.
func (c *Controller) rejectQuietly(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(c.baseCtxSafe(), lineReleaseTimeout)
		defer cancel()
		if err := c.transport.Reject(ctx, id); err != nil && !errors.Is(err, telephony.ErrUnsupported) {
			c.log.Warn("decline failed", "call_id", id, "err", err)
		}
	}()
}

func (c *Controller) baseCtxSafe() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx()
}

func (c *Controller) acquireLine(ctx context.Context, ref string) error {
	if c.lock == nil {
		return nil
	}
	if err := c.lock.Acquire(ctx, ref); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Reference != ref {
		c.releaseLine(ref)
		return ErrNoActiveCall
	}
	c.lockOwner = ref
	return nil
}

func (c *Controller) releaseLine(owner string) {
	if c.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.baseCtx()), lineReleaseTimeout)
	defer cancel()
	if err := c.lock.Release(ctx, owner); err != nil {
		c.log.Warn("line release failed", "owner", owner, "err", err)
	}
}

/* ===================== AUTH RETRY ===================== */

// withAuthRetry runs op once and, if the transport rejects the credential,
// forces a renewal and runs it one more time.
func (c *Controller) withAuthRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		c.markAuthorized()
		return nil
	}
	if !errors.Is(err, telephony.ErrUnauthorized) || c.creds == nil {
		return err
	}

	c.log.Warn("transport rejected credential; renewing", "op", op)
	if _, rerr := c.creds.ForceRenew(ctx); rerr != nil {
		return errors.Join(err, rerr)
	}
	if err = fn(ctx); err == nil {
		c.markAuthorized()
	}
	return err
}

func (c *Controller) markAuthorized() {
	if c.creds != nil {
		c.creds.MarkAuthorized()
	}
}

func (c *Controller) forceRenew(ctx context.Context) {
	if c.creds == nil {
		return
	}
	if _, err := c.creds.ForceRenew(ctx); err != nil {
		c.log.Warn("forced renewal failed", "err", err)
	}
}
