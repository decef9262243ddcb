package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collections-dialer/internal/dispatch"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/clock"
	"collections-dialer/pkg/logger"
)

const (
	defaultPollInitialDelay = 2 * time.Second
	defaultPollInterval     = 3 * time.Second
)

// Poller asks the transport for the remote status of one call and feeds the
// answer into the dispatcher as a poll payload. It stops on its own when the
// call is no longer the active session or the remote reports a final status.
type Poller struct {
	fetcher  telephony.StatusFetcher
	sink     dispatch.Sink
	clock    clock.Clock
	log      *slog.Logger
	metrics  *Metrics
	initial  time.Duration
	interval time.Duration

	// active reports whether callID is still the live session.
	active func(callID string) bool
	// unauthorized is called when the remote rejects the credential.
	unauthorized func(ctx context.Context)
}

type PollerOptions struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *Metrics
	Active       func(callID string) bool
	Unauthorized func(ctx context.Context)
}

func NewPoller(fetcher telephony.StatusFetcher, sink dispatch.Sink, opts PollerOptions) (*Poller, error) {
	if fetcher == nil {
		return nil, errors.New("calls: status fetcher is nil")
	}
	if sink == nil {
		return nil, errors.New("calls: poll sink is nil")
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultPollInitialDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Active == nil {
		opts.Active = func(string) bool { return true }
	}
	return &Poller{
		fetcher:      fetcher,
		sink:         sink,
		clock:        opts.Clock,
		log:          logger.Component(opts.Logger, "poller"),
		metrics:      opts.Metrics,
		initial:      opts.InitialDelay,
		interval:     opts.Interval,
		active:       opts.Active,
		unauthorized: opts.Unauthorized,
	}, nil
}

// Run polls callID until ctx is done, the call stops being active, or the
// remote reports it finished.
func (p *Poller) Run(ctx context.Context, callID string) {
	log := p.log.With("call_id", callID)
	log.Debug("polling started")
	defer log.Debug("polling stopped")

	wait := p.initial
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(wait):
		}
		wait = p.interval

		if !p.active(callID) {
			return
		}
		if done := p.poll(ctx, log, callID); done {
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context, log *slog.Logger, callID string) bool {
	status, err := p.fetcher.Status(ctx, callID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return true
	case errors.Is(err, telephony.ErrNotFound):
		p.metrics.pollError("not_found")
		log.Info("remote no longer knows the call")
		p.publish(ctx, log, dispatch.PollPayload{Event: "call.status", Status: dispatch.ReasonNotFound, CallID: callID})
		return true
	case errors.Is(err, telephony.ErrUnauthorized):
		p.metrics.pollError("unauthorized")
		log.Warn("status poll unauthorized; renewing credential")
		if p.unauthorized != nil {
			p.unauthorized(ctx)
		}
		return false
	default:
		p.metrics.pollError("transient")
		log.Warn("status poll failed", "err", err)
		return false
	}

	payload := dispatch.PollPayload{Event: "call.status", Status: status, CallID: callID}
	ev, err := dispatch.Normalize(payload)
	if err != nil {
		p.metrics.pollError("unknown_status")
		log.Warn("unrecognised remote status", "status", status)
		return false
	}
	p.publish(ctx, log, payload)
	return ev.Kind == dispatch.KindTerminated
}

func (p *Poller) publish(ctx context.Context, log *slog.Logger, payload dispatch.PollPayload) {
	if err := p.sink.Publish(ctx, payload); err != nil {
		log.Warn("poll result dropped", "err", err)
	}
}
