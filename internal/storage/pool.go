package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrImageNotFound is returned by lookups for a missing or deleted image.
var ErrImageNotFound = errors.New("image not found")

const imageCols = `id, locator, caption, active, sent, send_count, last_sent, created_at`

// SelectRandomUnsent picks one active-and-unsent image uniformly at random,
// or (nil, nil) when none are eligible.
//
// Selection fetches the eligible id set and chooses an index from
// crypto/rand instead of relying on the engine's ORDER BY random(), so
// content stays as unpredictable as timing regardless of storage internals.
func (s *Store) SelectRandomUnsent(ctx context.Context) (*Image, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM images WHERE active = 1 AND sent = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(ids))))
	if err != nil {
		return nil, fmt.Errorf("random index: %w", err)
	}
	return s.GetImage(ctx, ids[n.Int64()])
}

// MarkSent records a confirmed delivery in a single statement: sent flag,
// send_count increment and last_sent move together or not at all.
func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET sent = 1, send_count = send_count + 1, last_sent = ? WHERE id = ?`,
		fmtTime(at), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrImageNotFound
	}
	return nil
}

// ResetAllSent clears the sent flag on every image in one statement.
// send_count and last_sent are deliberately untouched.
func (s *Store) ResetAllSent(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE images SET sent = 0 WHERE sent = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetImage(ctx context.Context, id int64) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageCols+` FROM images WHERE id = ?`, id)
	return scanImage(row)
}

// InsertImage adds a pool entry. This is the ingestion collaborator's
// surface (and test seeding); the dispatch path never creates images.
func (s *Store) InsertImage(ctx context.Context, locator, caption string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO images(locator, caption, active, sent, send_count, created_at)
		 VALUES(?,?,1,0,0,?)`,
		locator, caption, fmtTime(time.Now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) SetImageActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE images SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrImageNotFound
	}
	return nil
}

func (s *Store) DeleteImage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrImageNotFound
	}
	return nil
}

func (s *Store) ListImages(ctx context.Context) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageCols+` FROM images ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		img, err := scanImageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// CountUnsent reports how many images remain eligible in this rotation.
func (s *Store) CountUnsent(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE active = 1 AND sent = 0`,
	).Scan(&n)
	return n, err
}

func (s *Store) Stats(ctx context.Context) (PoolStats, error) {
	var st PoolStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(active), 0),
		        COALESCE(SUM(CASE WHEN active = 1 AND sent = 0 THEN 1 ELSE 0 END), 0)
		 FROM images`,
	).Scan(&st.Total, &st.Active, &st.Unsent)
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row *sql.Row) (*Image, error) {
	img, err := scanFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrImageNotFound
	}
	return img, err
}

func scanImageRows(rows *sql.Rows) (*Image, error) {
	return scanFrom(rows)
}

func scanFrom(r rowScanner) (*Image, error) {
	var (
		img       Image
		active    int
		sent      int
		lastSent  sql.NullString
		createdAt string
	)
	if err := r.Scan(&img.ID, &img.Locator, &img.Caption, &active, &sent, &img.SendCount, &lastSent, &createdAt); err != nil {
		return nil, err
	}
	img.Active = active != 0
	img.Sent = sent != 0
	if lastSent.Valid {
		t, err := parseTime(lastSent.String)
		if err != nil {
			return nil, fmt.Errorf("bad last_sent for image %d: %w", img.ID, err)
		}
		img.LastSent = &t
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("bad created_at for image %d: %w", img.ID, err)
	}
	img.CreatedAt = t
	return &img, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
