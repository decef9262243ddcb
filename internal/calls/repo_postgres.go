package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"collections-dialer/pkg/utils"
)

// NOTE: PostgresRepo expects the call_records table created by EnsureSchema.
// Rows are insert-only; (reference, ended_at) is unique so a replayed
// terminal notification does not duplicate a record.

const callRecordsSchema = `
CREATE TABLE IF NOT EXISTS call_records (
	id               UUID PRIMARY KEY,
	call_id          TEXT NOT NULL,
	reference        TEXT NOT NULL,
	line_id          TEXT NOT NULL DEFAULT '',
	direction        TEXT NOT NULL,
	counterpart      TEXT NOT NULL,
	final_state      TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	transport        TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	connected_at     TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ NOT NULL,
	duration_seconds INT NOT NULL DEFAULT 0,
	UNIQUE (reference, ended_at)
);
CREATE INDEX IF NOT EXISTS call_records_ended_at_idx ON call_records (ended_at DESC);
`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("calls: db is nil")
	}
	return &PostgresRepo{db: db}, nil
}

// EnsureSchema creates the table and its index in one transaction.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, callRecordsSchema)
		return err
	})
}

func (r *PostgresRepo) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	const q = `
INSERT INTO call_records (
	id, call_id, reference, line_id, direction, counterpart, final_state,
	outcome, transport, started_at, connected_at, ended_at, duration_seconds
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (reference, ended_at) DO NOTHING
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.CallID,
		rec.Reference,
		rec.LineID,
		string(rec.Direction),
		rec.Counterpart,
		string(rec.FinalState),
		rec.Outcome,
		rec.Transport,
		rec.StartedAt,
		nullTime(rec.ConnectedAt),
		rec.EndedAt,
		rec.DurationSeconds,
	)
	return err
}

const recordColumns = `id, call_id, reference, line_id, direction, counterpart, final_state,
       outcome, transport, started_at, connected_at, ended_at, duration_seconds`

func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const q = `
SELECT ` + recordColumns + `
FROM call_records
ORDER BY ended_at DESC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// Between returns records that ended in [from, to), oldest first. An empty
// lineID matches every line.
func (r *PostgresRepo) Between(ctx context.Context, lineID string, from, to time.Time) ([]Record, error) {
	const q = `
SELECT ` + recordColumns + `
FROM call_records
WHERE ended_at >= $1 AND ended_at < $2 AND ($3 = '' OR line_id = $3)
ORDER BY ended_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, from, to, lineID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			direction string
			state     string
			connected sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.CallID,
			&rec.Reference,
			&rec.LineID,
			&direction,
			&rec.Counterpart,
			&state,
			&rec.Outcome,
			&rec.Transport,
			&rec.StartedAt,
			&connected,
			&rec.EndedAt,
			&rec.DurationSeconds,
		); err != nil {
			return nil, err
		}
		rec.Direction = Direction(direction)
		rec.FinalState = State(state)
		if connected.Valid {
			rec.ConnectedAt = connected.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
