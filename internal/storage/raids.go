package storage

import (
	"context"
	"fmt"
	"time"
)

func (s *sqliteStore) AppendRaid(ctx context.Context, r RaidRecord) error {
	if r.GroupID == 0 {
		return fmt.Errorf("append raid: %w", ErrInvalid)
	}
	if r.At.IsZero() {
		r.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raid_ledger(group_id, member_id, score, at) VALUES(?,?,?,?)`,
		r.GroupID, r.MemberID, r.Score, ms(r.At))
	return persistErr("append raid", err)
}

// RaidSummary aggregates the ledger entries of a group recorded before the given instant.
func (s *sqliteStore) RaidSummary(ctx context.Context, groupID int64, before time.Time) (RaidSummary, error) {
	var sum RaidSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(score), 0) FROM raid_ledger WHERE group_id = ? AND at < ?`,
		groupID, ms(before)).Scan(&sum.Raids, &sum.Total)
	if err != nil {
		return RaidSummary{}, persistErr("raid summary", err)
	}
	return sum, nil
}

func (s *sqliteStore) TopRaids(ctx context.Context, groupID int64, before time.Time, n int) ([]RaidRecord, error) {
	return s.rankRaids(ctx, "top raids", `score DESC, at ASC, id ASC`, groupID, before, n)
}

func (s *sqliteStore) BottomRaids(ctx context.Context, groupID int64, before time.Time, n int) ([]RaidRecord, error) {
	return s.rankRaids(ctx, "bottom raids", `score ASC, at ASC, id ASC`, groupID, before, n)
}

// order is one of the constant ORDER BY clauses above, never user input.
func (s *sqliteStore) rankRaids(ctx context.Context, op, order string, groupID int64, before time.Time, n int) ([]RaidRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, member_id, score, at FROM raid_ledger
		 WHERE group_id = ? AND at < ? ORDER BY `+order+` LIMIT ?`,
		groupID, ms(before), n)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var out []RaidRecord
	for rows.Next() {
		var (
			r  RaidRecord
			at int64
		)
		if err := rows.Scan(&r.GroupID, &r.MemberID, &r.Score, &at); err != nil {
			return nil, persistErr(op, err)
		}
		r.At = fromMS(at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

// PurgeRaids deletes every ledger entry recorded before the given instant.
func (s *sqliteStore) PurgeRaids(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raid_ledger WHERE at < ?`, ms(before))
	if err != nil {
		return 0, persistErr("purge raids", err)
	}
	n, err := res.RowsAffected()
	return n, persistErr("purge raids", err)
}
