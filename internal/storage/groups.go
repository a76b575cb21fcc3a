package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

// SaveGroup creates or updates a group and replaces its member set.
func (s *sqliteStore) SaveGroup(ctx context.Context, g Group) error {
	const op = "save group"
	if g.GroupID == 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalid)
	}
	members := slices.Clone(g.MemberIDs)
	slices.Sort(members)
	members = slices.Compact(members)
	if len(members) > MaxGroupMembers {
		return fmt.Errorf("%s: %w: %d members (max %d)", op, ErrInvalid, len(members), MaxGroupMembers)
	}
	g.MemberIDs = members

	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO groups(group_id, name, counter_current, counter_threshold, alert_enabled, channel_id)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(group_id) DO UPDATE SET
			   name=excluded.name,
			   counter_current=excluded.counter_current,
			   counter_threshold=excluded.counter_threshold,
			   alert_enabled=excluded.alert_enabled,
			   channel_id=excluded.channel_id`,
			g.GroupID, g.Name, g.CounterCurrent, g.CounterThreshold, boolInt(g.AlertEnabled), g.ChannelID)
		if err != nil {
			return persistErr(op, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, g.GroupID); err != nil {
			return persistErr(op, err)
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `INSERT INTO group_members(group_id, member_id) VALUES(?,?)`, g.GroupID, m); err != nil {
				return persistErr(op, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	got, err := s.GetGroup(ctx, g.GroupID)
	if err != nil {
		return err
	}
	if !sameGroup(got, g) {
		return invariantErr(op, "group %d read back as %+v", g.GroupID, got)
	}
	return nil
}

func sameGroup(a, b Group) bool {
	return a.GroupID == b.GroupID && a.Name == b.Name && a.CounterCurrent == b.CounterCurrent &&
		a.CounterThreshold == b.CounterThreshold && a.AlertEnabled == b.AlertEnabled &&
		a.ChannelID == b.ChannelID && slices.Equal(a.MemberIDs, b.MemberIDs)
}

func (s *sqliteStore) GetGroup(ctx context.Context, groupID int64) (Group, error) {
	var (
		g     Group
		alert int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, name, counter_current, counter_threshold, alert_enabled, channel_id
		 FROM groups WHERE group_id = ?`, groupID,
	).Scan(&g.GroupID, &g.Name, &g.CounterCurrent, &g.CounterThreshold, &alert, &g.ChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return Group{}, persistErr("get group", err)
	}
	g.AlertEnabled = alert != 0

	members, err := s.groupMembers(ctx, groupID)
	if err != nil {
		return Group{}, err
	}
	g.MemberIDs = members
	return g, nil
}

func (s *sqliteStore) groupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member_id FROM group_members WHERE group_id = ? ORDER BY member_id`, groupID)
	if err != nil {
		return nil, persistErr("group members", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, persistErr("group members", err)
		}
		out = append(out, id)
	}
	return out, persistErr("group members", rows.Err())
}

func (s *sqliteStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM groups ORDER BY group_id`)
	if err != nil {
		return nil, persistErr("list groups", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, persistErr("list groups", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, persistErr("list groups", err)
	}

	// The single connection is free again; load each group fully.
	out := make([]Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *sqliteStore) ResetGroupCounter(ctx context.Context, groupID, baseline int64) error {
	const op = "reset group counter"
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET counter_current = ? WHERE group_id = ?`, baseline, groupID)
	if err != nil {
		return persistErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	got, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if got.CounterCurrent != baseline {
		return invariantErr(op, "group %d counter is %d, want %d", groupID, got.CounterCurrent, baseline)
	}
	return nil
}
