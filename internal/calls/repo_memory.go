package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory append-only Repository for tests and
// single-process runs without a database.

type MemoryRepo struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Recent returns up to limit records, newest first.
func (r *MemoryRepo) Recent(ctx context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]Record, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.records[i])
	}
	return out, nil
}

// Between returns records that ended in [from, to), oldest first. An empty
// lineID matches every line.
func (r *MemoryRepo) Between(ctx context.Context, lineID string, from, to time.Time) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if lineID != "" && rec.LineID != lineID {
			continue
		}
		if rec.EndedAt.Before(from) || !rec.EndedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
