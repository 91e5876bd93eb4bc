package segments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"opendrama/internal/services"
	"opendrama/internal/storage"
)

// Get returns a segment by id.
func (s *Store) Get(ctx context.Context, id int64) (*Segment, error) {
	return getSegment(ctx, s.db.SQL(), id)
}

// GetGroup returns the group row.
func (s *Store) GetGroup(ctx context.Context, group string) (*Group, error) {
	var (
		g          Group
		chainMode  int
		version    sql.NullString
		createdRaw string
	)
	err := s.db.SQL().QueryRowContext(ctx,
		"SELECT group_id, account_id, chain_mode, reserved_total, pricing_version, created_at FROM segment_groups WHERE group_id = ?",
		group,
	).Scan(&g.ID, &g.AccountID, &chainMode, &g.ReservedTotal, &version, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "segments", "get group", group, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", group, err)
	}
	g.ChainMode = chainMode != 0
	g.PricingVersion = version.String
	if t, err := storage.ParseTime(createdRaw); err == nil {
		g.CreatedAt = t
	}
	return &g, nil
}

// ListGroup returns the segments of group ordered by index.
func (s *Store) ListGroup(ctx context.Context, group string) ([]*Segment, error) {
	return querySegments(ctx, s.db.SQL(),
		"SELECT "+segmentColumns+" FROM segments WHERE group_id = ? ORDER BY segment_index", group)
}

// List returns segments filtered by status, newest first. No statuses means all.
func (s *Store) List(ctx context.Context, limit int, statuses ...Status) ([]*Segment, error) {
	query := "SELECT " + segmentColumns + " FROM segments"
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += " WHERE status IN (" + storage.Placeholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return querySegments(ctx, s.db.SQL(), query, args...)
}

// FindByHandle returns the segment carrying the provider task handle.
func (s *Store) FindByHandle(ctx context.Context, handle string) (*Segment, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		"SELECT "+segmentColumns+" FROM segments WHERE task_handle = ? ORDER BY id DESC LIMIT 1", handle)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "segments", "find by handle", handle, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("find segment by handle: %w", err)
	}
	return seg, nil
}

// InFlight returns segments the provider currently owns, oldest submission
// first. A non-positive limit returns all of them.
func (s *Store) InFlight(ctx context.Context, limit int) ([]*Segment, error) {
	query := "SELECT " + segmentColumns + " FROM segments WHERE status IN (?, ?) ORDER BY submitted_at, id"
	args := []any{StatusSubmitted, StatusGenerating}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return querySegments(ctx, s.db.SQL(), query, args...)
}

// NextReserved returns the lowest-index reserved segment of group, or nil.
func (s *Store) NextReserved(ctx context.Context, group string) (*Segment, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		"SELECT "+segmentColumns+" FROM segments WHERE group_id = ? AND status = ? ORDER BY segment_index LIMIT 1",
		group, StatusReserved)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next reserved segment: %w", err)
	}
	return seg, nil
}

// Previous returns the segment immediately before seg in its group, or nil.
func (s *Store) Previous(ctx context.Context, seg *Segment) (*Segment, error) {
	if seg == nil || seg.Index == 0 {
		return nil, nil
	}
	row := s.db.SQL().QueryRowContext(ctx,
		"SELECT "+segmentColumns+" FROM segments WHERE group_id = ? AND segment_index = ?",
		seg.GroupID, seg.Index-1)
	prev, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("previous segment: %w", err)
	}
	return prev, nil
}

// HasActive reports whether group has a segment in flight with the provider.
func (s *Store) HasActive(ctx context.Context, group string) (bool, error) {
	var count int
	if err := s.db.SQL().QueryRowContext(ctx,
		"SELECT COUNT(1) FROM segments WHERE group_id = ? AND status IN (?, ?)",
		group, StatusSubmitted, StatusGenerating,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("count active segments: %w", err)
	}
	return count > 0, nil
}

// IdleGroups lists groups that still have reserved segments but nothing in
// flight. These need an advance after a restart or a lost kickoff.
func (s *Store) IdleGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT DISTINCT group_id FROM segments
		 WHERE status = ?
		   AND group_id NOT IN (SELECT group_id FROM segments WHERE status IN (?, ?))
		 ORDER BY group_id`,
		StatusReserved, StatusSubmitted, StatusGenerating)
	if err != nil {
		return nil, fmt.Errorf("query idle groups: %w", err)
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, fmt.Errorf("scan idle group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// Stats returns segment counts per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.SQL().QueryContext(ctx, "SELECT status, COUNT(1) FROM segments GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("segment stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[Status]int, len(allStatuses))
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// Summary aggregates group progress for polling clients.
func (s *Store) Summary(ctx context.Context, group string) (GroupSummary, error) {
	g, err := s.GetGroup(ctx, group)
	if err != nil {
		return GroupSummary{}, err
	}
	segs, err := s.ListGroup(ctx, group)
	if err != nil {
		return GroupSummary{}, err
	}
	return Summarize(g, segs), nil
}

// Summarize computes a GroupSummary from loaded rows.
func Summarize(g *Group, segs []*Segment) GroupSummary {
	summary := GroupSummary{
		GroupID:   g.ID,
		AccountID: g.AccountID,
		ChainMode: g.ChainMode,
		Total:     len(segs),
		Counts:    make(map[Status]int, len(allStatuses)),
	}
	terminal := 0
	for _, seg := range segs {
		summary.Counts[seg.Status]++
		switch {
		case seg.Status == StatusDone:
			summary.Spent += seg.TokenCost
		case seg.Status.HoldsReservation():
			summary.Held += seg.TokenCost
		}
		if seg.Status.IsTerminal() {
			terminal++
		}
		if seg.Status == StatusFailed && strings.HasPrefix(seg.ErrorMessage, BlockedMessagePrefix) {
			summary.Blocked = true
		}
	}
	if summary.Total > 0 {
		summary.Progress = float64(summary.Counts[StatusDone]) / float64(summary.Total) * 100
		summary.Finished = terminal == summary.Total
	}
	return summary
}

// HeldCoins sums the token cost of every segment of account that still holds
// a reservation. It equals the account's reserved balance when no other
// holds exist.
func (s *Store) HeldCoins(ctx context.Context, account string) (int64, error) {
	var held int64
	if err := s.db.SQL().QueryRowContext(ctx,
		"SELECT COALESCE(SUM(token_cost), 0) FROM segments WHERE account_id = ? AND status IN (?, ?, ?)",
		account, StatusReserved, StatusSubmitted, StatusGenerating,
	).Scan(&held); err != nil {
		return 0, fmt.Errorf("sum held coins: %w", err)
	}
	return held, nil
}

// Overdue returns in-flight segments submitted before cutoff.
func (s *Store) Overdue(ctx context.Context, cutoff time.Time) ([]*Segment, error) {
	return querySegments(ctx, s.db.SQL(),
		"SELECT "+segmentColumns+" FROM segments WHERE status IN (?, ?) AND submitted_at IS NOT NULL AND submitted_at < ? ORDER BY submitted_at",
		StatusSubmitted, StatusGenerating, storage.FormatTime(cutoff))
}
