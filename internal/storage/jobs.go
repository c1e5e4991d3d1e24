package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LoadJob returns the persisted schedule, or (nil, nil) when none exists.
func (s *Store) LoadJob(ctx context.Context) (*Job, error) {
	var (
		fireAt    string
		graceMS   int64
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fire_at, grace_ms, updated_at FROM schedule WHERE id = 1`,
	).Scan(&fireAt, &graceMS, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j := &Job{Grace: time.Duration(graceMS) * time.Millisecond}
	if j.FireAt, err = parseTime(fireAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return j, nil
}

// SaveJob upserts the singleton schedule row.
func (s *Store) SaveJob(ctx context.Context, j Job) error {
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule(id, fire_at, grace_ms, updated_at) VALUES(1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET fire_at=excluded.fire_at, grace_ms=excluded.grace_ms, updated_at=excluded.updated_at`,
		fmtTime(j.FireAt), j.Grace.Milliseconds(), fmtTime(j.UpdatedAt),
	)
	return err
}

// ClearJob removes the schedule row. Only an explicit stop does this.
func (s *Store) ClearJob(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedule WHERE id = 1`)
	return err
}
