package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.

type Repository interface {
	Append(ctx context.Context, e Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Service logs agent call actions.
//
// Callers should treat audit logging as best-effort.

type Service struct {
	repo   Repository
	lineID string
	clock  func() time.Time
}

func NewService(repo Repository, lineID string) *Service {
	return &Service{repo: repo, lineID: lineID, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.AgentID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.LineID == "" {
		e.LineID = s.lineID
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallAction records one agent action and its result. A nil cause is
// recorded as "ok".
func (s *Service) LogCallAction(ctx context.Context, typ EventType, agentID, role, callID, message string, cause error) error {
	outcome := "ok"
	if cause != nil {
		outcome = cause.Error()
	}
	return s.Append(ctx, Event{
		Type:    typ,
		AgentID: agentID,
		Role:    role,
		CallID:  callID,
		Outcome: outcome,
		Message: message,
	})
}

func (s *Service) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.Recent(ctx, limit)
}
