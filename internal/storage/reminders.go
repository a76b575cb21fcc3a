package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const reminderCols = `task_key, kind, recipient_id, channel_id, activity, message, end_time, triggered, custom_seq, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var (
		r         Reminder
		kind      string
		endMS     int64
		createdMS int64
		triggered int
		seq       sql.NullInt64
	)
	if err := row.Scan(&r.TaskKey, &kind, &r.RecipientID, &r.ChannelID, &r.Activity, &r.Message, &endMS, &triggered, &seq, &createdMS); err != nil {
		return Reminder{}, err
	}
	r.Kind = Kind(kind)
	r.EndTime = fromMS(endMS)
	r.CreatedAt = fromMS(createdMS)
	r.Triggered = triggered != 0
	if seq.Valid {
		r.CustomSeq = seq.Int64
	}
	return r, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryReminders(ctx context.Context, q querier, op, query string, args ...any) ([]Reminder, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

func getReminder(ctx context.Context, q querier, key string) (Reminder, error) {
	r, err := scanReminder(q.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE task_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, fmt.Errorf("reminder %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Reminder{}, persistErr("get reminder", err)
	}
	return r, nil
}

func (s *sqliteStore) GetReminder(ctx context.Context, key string) (Reminder, error) {
	return getReminder(ctx, s.db, key)
}

// replaceNatural swaps the non-custom reminder of (kind, recipient, activity)
// for want inside one transaction and returns the row it replaced.
func (s *sqliteStore) replaceNatural(ctx context.Context, op string, want Reminder) (*Reminder, error) {
	var replaced *Reminder
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		old, err := scanReminder(tx.QueryRowContext(ctx,
			`SELECT `+reminderCols+` FROM reminders
			 WHERE kind = ? AND recipient_id = ? AND activity = ? AND custom_seq IS NULL`,
			string(want.Kind), want.RecipientID, want.Activity))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return persistErr(op, err)
		default:
			replaced = &old
			if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE task_key = ?`, old.TaskKey); err != nil {
				return persistErr(op, err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reminders(`+reminderCols+`) VALUES(?,?,?,?,?,?,?,0,NULL,?)`,
			want.TaskKey, string(want.Kind), want.RecipientID, want.ChannelID, want.Activity, want.Message,
			ms(want.EndTime), ms(want.CreatedAt))
		return persistErr(op, err)
	})
	if err != nil {
		return nil, err
	}
	return replaced, s.verifyReminder(ctx, op, want)
}

// verifyReminder re-reads a freshly written row and compares it with want.
func (s *sqliteStore) verifyReminder(ctx context.Context, op string, want Reminder) error {
	got, err := s.GetReminder(ctx, want.TaskKey)
	if errors.Is(err, ErrNotFound) {
		return invariantErr(op, "row %q missing after write", want.TaskKey)
	}
	if err != nil {
		return err
	}
	if got.Kind != want.Kind || got.RecipientID != want.RecipientID || got.ChannelID != want.ChannelID ||
		got.Activity != want.Activity || got.Message != want.Message || !got.EndTime.Equal(want.EndTime) ||
		got.CustomSeq != want.CustomSeq || got.Triggered != want.Triggered {
		return invariantErr(op, "row %q read back as %+v", want.TaskKey, got)
	}
	return nil
}

func (s *sqliteStore) UpsertIndividual(ctx context.Context, in UpsertIndividual) (Reminder, *Reminder, error) {
	activity := strings.TrimSpace(in.Activity)
	if in.RecipientID == 0 || activity == "" || in.Duration < 0 {
		return Reminder{}, nil, fmt.Errorf("upsert individual: %w", ErrInvalid)
	}
	now := s.now()
	r := Reminder{
		TaskKey:     IndividualKey(in.RecipientID, in.ChannelID, activity),
		Kind:        KindIndividual,
		RecipientID: in.RecipientID,
		ChannelID:   in.ChannelID,
		Activity:    activity,
		Message:     in.Message,
		EndTime:     endTimeFrom(now, in.Duration),
		CreatedAt:   now.UTC().Truncate(time.Millisecond),
	}
	replaced, err := s.replaceNatural(ctx, "upsert individual", r)
	if err != nil {
		return Reminder{}, nil, err
	}
	return r, replaced, nil
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, in UpsertGroup) (Reminder, *Reminder, error) {
	if in.GroupID == 0 || in.Duration < 0 {
		return Reminder{}, nil, fmt.Errorf("upsert group: %w", ErrInvalid)
	}
	now := s.now()
	r := Reminder{
		TaskKey:     GroupKey(in.GroupID),
		Kind:        KindGroup,
		RecipientID: in.GroupID,
		ChannelID:   in.ChannelID,
		Activity:    ActivityGroup,
		Message:     in.Message,
		EndTime:     endTimeFrom(now, in.Duration),
		CreatedAt:   now.UTC().Truncate(time.Millisecond),
	}
	replaced, err := s.replaceNatural(ctx, "upsert group", r)
	if err != nil {
		return Reminder{}, nil, err
	}
	return r, replaced, nil
}

func (s *sqliteStore) InsertCustom(ctx context.Context, recipientID, channelID int64, message string, d time.Duration) (Reminder, error) {
	const op = "insert custom"
	if recipientID == 0 || d < 0 {
		return Reminder{}, fmt.Errorf("%s: %w", op, ErrInvalid)
	}
	now := s.now()
	r := Reminder{
		Kind:        KindIndividual,
		RecipientID: recipientID,
		ChannelID:   channelID,
		Activity:    ActivityCustom,
		Message:     message,
		EndTime:     endTimeFrom(now, d),
		CreatedAt:   now.UTC().Truncate(time.Millisecond),
	}
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(custom_seq), 0) + 1 FROM reminders WHERE recipient_id = ? AND custom_seq IS NOT NULL`,
			recipientID).Scan(&next); err != nil {
			return persistErr(op, err)
		}
		r.CustomSeq = next
		r.TaskKey = CustomKey(recipientID, next)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reminders(`+reminderCols+`) VALUES(?,?,?,?,?,?,?,0,?,?)`,
			r.TaskKey, string(r.Kind), r.RecipientID, r.ChannelID, r.Activity, r.Message,
			ms(r.EndTime), r.CustomSeq, ms(r.CreatedAt))
		return persistErr(op, err)
	})
	if err != nil {
		return Reminder{}, err
	}
	if err := s.verifyReminder(ctx, op, r); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func (s *sqliteStore) DueIndividual(ctx context.Context, horizon time.Time) ([]Reminder, error) {
	return queryReminders(ctx, s.db, "due individual",
		`SELECT `+reminderCols+` FROM reminders
		 WHERE kind = ? AND triggered = 0 AND end_time <= ?
		 ORDER BY end_time, task_key`,
		string(KindIndividual), ms(horizon))
}

func (s *sqliteStore) DueGroup(ctx context.Context, horizon time.Time) ([]Reminder, error) {
	return queryReminders(ctx, s.db, "due group",
		`SELECT `+reminderCols+` FROM reminders
		 WHERE kind = ? AND triggered = 0 AND end_time <= ?
		 ORDER BY end_time, task_key`,
		string(KindGroup), ms(horizon))
}

func (s *sqliteStore) StalePromoted(ctx context.Context, olderThan time.Time) ([]Reminder, error) {
	return queryReminders(ctx, s.db, "stale promoted",
		`SELECT `+reminderCols+` FROM reminders
		 WHERE triggered = 1 AND end_time < ?
		 ORDER BY end_time, task_key`,
		ms(olderThan))
}

func (s *sqliteStore) ActiveFor(ctx context.Context, f Filter) ([]Reminder, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.RecipientID != 0 {
		where = append(where, "recipient_id = ?")
		args = append(args, f.RecipientID)
	}
	if a := strings.TrimSpace(f.Activity); a != "" {
		where = append(where, "activity = ?")
		args = append(args, a)
	}
	q := `SELECT ` + reminderCols + ` FROM reminders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY end_time, task_key`
	return queryReminders(ctx, s.db, "active for", q, args...)
}

// MarkTriggered claims a reminder for delivery. It returns false when the row
// is gone or another promoter already claimed it.
func (s *sqliteStore) MarkTriggered(ctx context.Context, key string) (bool, error) {
	const op = "mark triggered"
	res, err := s.db.ExecContext(ctx, `UPDATE reminders SET triggered = 1 WHERE task_key = ? AND triggered = 0`, key)
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
	got, err := s.GetReminder(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, invariantErr(op, "row %q missing after claim", key)
		}
		return false, err
	}
	if !got.Triggered {
		return false, invariantErr(op, "row %q not triggered after claim", key)
	}
	return true, nil
}

// ResetTriggered returns claimed reminders ending at or after since to the
// untriggered state so they are promoted again.
func (s *sqliteStore) ResetTriggered(ctx context.Context, since time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reminders SET triggered = 0 WHERE triggered = 1 AND end_time >= ?`, ms(since))
	if err != nil {
		return 0, persistErr("reset triggered", err)
	}
	n, err := res.RowsAffected()
	return n, persistErr("reset triggered", err)
}

func (s *sqliteStore) deleteKey(ctx context.Context, op, key string) (Reminder, error) {
	var old Reminder
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		var err error
		old, err = getReminder(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM reminders WHERE task_key = ?`, key)
		return persistErr(op, err)
	})
	if err != nil {
		return Reminder{}, err
	}
	if _, err := s.GetReminder(ctx, key); !errors.Is(err, ErrNotFound) {
		if err != nil {
			return Reminder{}, err
		}
		return Reminder{}, invariantErr(op, "row %q still present after delete", key)
	}
	return old, nil
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, key string) (Reminder, error) {
	return s.deleteKey(ctx, "delete reminder", key)
}

// DeleteFired removes a delivered reminder unless it was rescheduled to a
// different end time in the meantime.
func (s *sqliteStore) DeleteFired(ctx context.Context, key string, endTime time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE task_key = ? AND end_time = ?`, key, ms(endTime))
	if err != nil {
		return false, persistErr("delete fired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("delete fired", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) DeleteGroupReminder(ctx context.Context, groupID int64) (*Reminder, error) {
	old, err := s.deleteKey(ctx, "delete group reminder", GroupKey(groupID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &old, nil
}
