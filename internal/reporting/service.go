package reporting

import (
	"context"
	"errors"
	"time"

	"collections-dialer/internal/calls"
	"collections-dialer/internal/dispatch"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Implementations query the immutable call_records source.
// - Between must filter by line when lineID is non-empty.

type Repository interface {
	Between(ctx context.Context, lineID string, from, to time.Time) ([]calls.Record, error)
}

var (
	_ Repository = (*calls.MemoryRepo)(nil)
	_ Repository = (*calls.PostgresRepo)(nil)
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.Between(ctx, req.LineID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{LineID: req.LineID, Range: req.Range}
	for _, r := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += r.DurationSeconds
		if r.Direction == calls.Inbound {
			out.InboundCalls++
		} else {
			out.OutboundCalls++
		}
		if !r.ConnectedAt.IsZero() {
			out.ConnectedCalls++
		}
		if r.FinalState == calls.StateMissed {
			out.MissedCalls++
			continue
		}
		switch r.Outcome {
		case dispatch.ReasonCompleted:
			out.CompletedCalls++
		case dispatch.ReasonBusy:
			out.BusyCalls++
		case dispatch.ReasonNoAnswer:
			out.NoAnswerCalls++
		case dispatch.ReasonCanceled:
			out.CanceledCalls++
		case dispatch.ReasonRejected:
			out.RejectedCalls++
		case dispatch.ReasonUnauthorized:
			out.UnauthorizedCalls++
		default:
			out.FailedCalls++
		}
	}
	if out.ConnectedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.ConnectedCalls
	}
	if out.TotalCalls > 0 {
		out.ConnectionRate = float64(out.ConnectedCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
