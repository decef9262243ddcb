package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collections-dialer/pkg/logger"

	"github.com/google/uuid"
)

// Record is the persisted summary of a finished call session.
type Record struct {
	ID              string    `json:"id" db:"id"`
	CallID          string    `json:"call_id" db:"call_id"`
	Reference       string    `json:"reference" db:"reference"`
	LineID          string    `json:"line_id" db:"line_id"`
	Direction       Direction `json:"direction" db:"direction"`
	Counterpart     string    `json:"counterpart" db:"counterpart"`
	FinalState      State     `json:"final_state" db:"final_state"`
	Outcome         string    `json:"outcome" db:"outcome"`
	Transport       string    `json:"transport" db:"transport"`
	StartedAt       time.Time `json:"started_at" db:"started_at"`
	ConnectedAt     time.Time `json:"connected_at,omitzero" db:"connected_at"`
	EndedAt         time.Time `json:"ended_at" db:"ended_at"`
	DurationSeconds int       `json:"duration" db:"duration"`
}

// Repository stores call records. Records are never updated.
type Repository interface {
	Save(ctx context.Context, r Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

var ErrInvalidRecord = errors.New("calls: invalid record")

func (r Record) validate() error {
	if r.ID == "" || r.Reference == "" || r.FinalState == "" || r.EndedAt.IsZero() {
		return ErrInvalidRecord
	}
	return nil
}

// RecordFromSession builds the record for a finished session.
func RecordFromSession(s Session, lineID string) Record {
	return Record{
		ID:              uuid.NewString(),
		CallID:          s.ID,
		Reference:       s.Reference,
		LineID:          lineID,
		Direction:       s.Direction,
		Counterpart:     s.Counterpart,
		FinalState:      s.State,
		Outcome:         s.Outcome,
		Transport:       s.Transport,
		StartedAt:       s.StartedAt.UTC(),
		ConnectedAt:     utcOrZero(s.ConnectedAt),
		EndedAt:         s.EndedAt.UTC(),
		DurationSeconds: int(s.Duration(s.EndedAt) / time.Second),
	}
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// Recorder persists every finished session it sees on a subscription.
// Write failures are logged; they never affect call handling.
type Recorder struct {
	repo   Repository
	lineID string
	log    *slog.Logger
}

func NewRecorder(repo Repository, lineID string, log *slog.Logger) (*Recorder, error) {
	if repo == nil {
		return nil, errors.New("calls: record repository is nil")
	}
	return &Recorder{repo: repo, lineID: lineID, log: logger.Component(log, "recorder")}, nil
}

// Run consumes sub until ctx is done or the subscription is closed.
func (r *Recorder) Run(ctx context.Context, sub *Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			if n.Kind != NotifyState || !n.Final {
				continue
			}
			rec := RecordFromSession(n.Session, r.lineID)
			if err := r.repo.Save(ctx, rec); err != nil {
				r.log.Error("call record not saved", "reference", rec.Reference, "err", err)
				continue
			}
			r.log.Debug("call record saved", "id", rec.ID, "outcome", rec.Outcome)
		}
	}
}
