package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPreferences returns the stored preferences of a user, or
// DefaultPreferences when the user never saved any.
func (s *sqliteStore) GetPreferences(ctx context.Context, userID int64) (Preferences, error) {
	var (
		p                   Preferences
		enabled, suppressed int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, reminders_enabled, mentions_suppressed, donor_tier FROM preferences WHERE user_id = ?`,
		userID).Scan(&p.UserID, &enabled, &suppressed, &p.DonorTier)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return Preferences{}, persistErr("get preferences", err)
	}
	p.RemindersEnabled = enabled != 0
	p.MentionsSuppressed = suppressed != 0
	return p, nil
}

func (s *sqliteStore) SavePreferences(ctx context.Context, p Preferences) error {
	const op = "save preferences"
	if p.UserID == 0 || p.DonorTier < 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, reminders_enabled, mentions_suppressed, donor_tier) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   reminders_enabled=excluded.reminders_enabled,
		   mentions_suppressed=excluded.mentions_suppressed,
		   donor_tier=excluded.donor_tier`,
		p.UserID, boolInt(p.RemindersEnabled), boolInt(p.MentionsSuppressed), p.DonorTier)
	if err != nil {
		return persistErr(op, err)
	}
	got, err := s.GetPreferences(ctx, p.UserID)
	if err != nil {
		return err
	}
	if got != p {
		return invariantErr(op, "preferences of %d read back as %+v", p.UserID, got)
	}
	return nil
}
