package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func (s *sqliteStore) UpsertCooldown(ctx context.Context, c Cooldown) error {
	const op = "upsert cooldown"
	c.Activity = strings.TrimSpace(c.Activity)
	if c.Activity == "" || c.BaseSeconds < 0 ||
		c.EventReductionSlash < 0 || c.EventReductionSlash > 100 ||
		c.EventReductionMention < 0 || c.EventReductionMention > 100 {
		return fmt.Errorf("%s: %w", op, ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns(activity, base_seconds, donor_affected, event_reduction_slash, event_reduction_mention)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(activity) DO UPDATE SET
		   base_seconds=excluded.base_seconds,
		   donor_affected=excluded.donor_affected,
		   event_reduction_slash=excluded.event_reduction_slash,
		   event_reduction_mention=excluded.event_reduction_mention`,
		c.Activity, c.BaseSeconds, boolInt(c.DonorAffected), c.EventReductionSlash, c.EventReductionMention)
	if err != nil {
		return persistErr(op, err)
	}
	got, err := s.GetCooldown(ctx, c.Activity)
	if err != nil {
		return err
	}
	if got != c {
		return invariantErr(op, "cooldown %q read back as %+v", c.Activity, got)
	}
	return nil
}

func (s *sqliteStore) GetCooldown(ctx context.Context, activity string) (Cooldown, error) {
	var (
		c     Cooldown
		donor int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT activity, base_seconds, donor_affected, event_reduction_slash, event_reduction_mention
		 FROM cooldowns WHERE activity = ?`, strings.TrimSpace(activity),
	).Scan(&c.Activity, &c.BaseSeconds, &donor, &c.EventReductionSlash, &c.EventReductionMention)
	if errors.Is(err, sql.ErrNoRows) {
		return Cooldown{}, fmt.Errorf("cooldown %q: %w", activity, ErrNotFound)
	}
	if err != nil {
		return Cooldown{}, persistErr("get cooldown", err)
	}
	c.DonorAffected = donor != 0
	return c, nil
}
