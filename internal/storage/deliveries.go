package storage

import (
	"context"
	"database/sql"
	"time"
)

// AppendDelivery records one dispatch cycle outcome. Append-only.
func (s *Store) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, image_id, correlation_id, outcome, reference, err, forced, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		fmtTime(d.At), d.ImageID, nullStr(d.CorrelationID), d.Outcome,
		nullStr(d.Reference), nullStr(d.Error), boolInt(d.Forced), d.TookMS,
	)
	return err
}

// RecentDeliveries returns up to n most recent log rows, newest first.
func (s *Store) RecentDeliveries(ctx context.Context, n int) ([]Delivery, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, image_id, correlation_id, outcome, reference, err, forced, took_ms
		 FROM deliveries ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d      Delivery
			at     string
			corr   sql.NullString
			ref    sql.NullString
			errStr sql.NullString
			forced int
		)
		if err := rows.Scan(&at, &d.ImageID, &corr, &d.Outcome, &ref, &errStr, &forced, &d.TookMS); err != nil {
			return nil, err
		}
		if d.At, err = parseTime(at); err != nil {
			return nil, err
		}
		d.CorrelationID = corr.String
		d.Reference = ref.String
		d.Error = errStr.String
		d.Forced = forced != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneDeliveries drops log rows older than the cutoff.
func (s *Store) PruneDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
