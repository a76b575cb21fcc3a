package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *sqliteStore) GetWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT at FROM watermarks WHERE name = ?`, name).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, persistErr("get watermark", err)
	}
	return fromMS(at), true, nil
}

// AdvanceWatermark moves a watermark from one instant to another. A zero from
// creates the watermark only if it does not exist yet. It returns false when
// the stored value is no longer from, meaning someone else advanced it first.
func (s *sqliteStore) AdvanceWatermark(ctx context.Context, name string, from, to time.Time) (bool, error) {
	const op = "advance watermark"
	var (
		res sql.Result
		err error
	)
	if from.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO watermarks(name, at) VALUES(?,?) ON CONFLICT(name) DO NOTHING`, name, ms(to))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE watermarks SET at = ? WHERE name = ? AND at = ?`, ms(to), name, ms(from))
	}
	if err != nil {
		return false, persistErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr(op, err)
	}
	if n == 0 {
		return false, nil
	}

	got, ok, err := s.GetWatermark(ctx, name)
	if err != nil {
		return false, err
	}
	if !ok || got.UnixMilli() != to.UnixMilli() {
		return false, invariantErr(op, "watermark %q is %v, want %v", name, got, to)
	}
	return true, nil
}
