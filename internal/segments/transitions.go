package segments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"opendrama/internal/ledger"
	"opendrama/internal/logging"
	"opendrama/internal/services"
	"opendrama/internal/storage"
)

// MarkSubmitted records the provider handle for a reserved segment. It
// returns false when the segment is gone or no longer reserved, which means
// a reset raced with the submission.
func (s *Store) MarkSubmitted(ctx context.Context, id int64, handle string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(ctx,
		`UPDATE segments SET status = ?, task_handle = ?, submitted_at = ?, poll_failures = 0, error_message = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusSubmitted, handle, storage.FormatTime(now), storage.FormatTime(now), id, StatusReserved,
	)
	if err != nil {
		return false, fmt.Errorf("mark submitted: %w", err)
	}
	return s.afterSimpleTransition(ctx, res, id, StatusReserved, StatusSubmitted)
}

// MarkGenerating records that the provider started rendering.
func (s *Store) MarkGenerating(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.Exec(ctx,
		"UPDATE segments SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		StatusGenerating, storage.Now(), id, StatusSubmitted,
	)
	if err != nil {
		return false, fmt.Errorf("mark generating: %w", err)
	}
	return s.afterSimpleTransition(ctx, res, id, StatusSubmitted, StatusGenerating)
}

func (s *Store) afterSimpleTransition(ctx context.Context, res sql.Result, id int64, from, to Status) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	seg, err := getSegment(ctx, s.db.SQL(), id)
	if err != nil {
		return true, nil
	}
	s.emit(ctx, seg, from, to, "")
	return true, nil
}

// Complete stores the artifact and confirms the segment's token cost. It
// returns false without touching the ledger when the segment is not in flight.
func (s *Store) Complete(ctx context.Context, id int64, artifactURL, thumbnailURL string) (bool, error) {
	var (
		seg  *Segment
		from Status
	)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		current, err := getSegment(ctx, tx, id)
		if err != nil {
			return err
		}
		seg, from = current, current.Status
		if !from.InFlight() {
			seg = nil
			return nil
		}
		now := storage.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE segments SET status = ?, artifact_url = ?, thumbnail_url = ?, error_message = NULL, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`,
			StatusDone, artifactURL, storage.NullableString(thumbnailURL), now, now, id, StatusSubmitted, StatusGenerating,
		)
		if err != nil {
			return fmt.Errorf("complete segment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			seg = nil
			return nil
		}
		if _, err := s.ledger.ConfirmTx(ctx, tx, seg.AccountID, seg.TokenCost, settleMetadata(seg, "done")); err != nil {
			return err
		}
		seg.Status = StatusDone
		seg.ArtifactURL = artifactURL
		seg.ThumbnailURL = thumbnailURL
		return nil
	})
	if err != nil || seg == nil {
		if errors.Is(err, services.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.emit(ctx, seg, from, StatusDone, "")
	return true, nil
}

// Fail stores message and refunds the segment's token cost. It returns false
// without touching the ledger when the segment already settled or is gone.
func (s *Store) Fail(ctx context.Context, id int64, message string) (bool, error) {
	var (
		seg  *Segment
		from Status
	)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		current, err := getSegment(ctx, tx, id)
		if err != nil {
			return err
		}
		seg, from = current, current.Status
		applied, err := s.failTx(ctx, tx, seg, message)
		if err != nil {
			return err
		}
		if !applied {
			seg = nil
		}
		return nil
	})
	if err != nil || seg == nil {
		if errors.Is(err, services.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.emit(ctx, seg, from, StatusFailed, message)
	return true, nil
}

func (s *Store) failTx(ctx context.Context, tx *sql.Tx, seg *Segment, message string) (bool, error) {
	if !seg.Status.HoldsReservation() {
		return false, nil
	}
	now := storage.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE segments SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		StatusFailed, message, now, now, seg.ID, StatusReserved, StatusSubmitted, StatusGenerating,
	)
	if err != nil {
		return false, fmt.Errorf("fail segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := s.ledger.RefundTx(ctx, tx, seg.AccountID, seg.TokenCost, settleMetadata(seg, "failed")); err != nil {
		return false, err
	}
	seg.Status = StatusFailed
	seg.ErrorMessage = message
	return true, nil
}

// FailReservedAfter fails and refunds every still-reserved segment of group
// whose index is greater than index. Chain mode uses it to stop the batch
// behind a failed segment.
func (s *Store) FailReservedAfter(ctx context.Context, group string, index int, message string) ([]*Segment, error) {
	var failed []*Segment
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		failed = nil
		pending, err := querySegments(ctx, tx,
			"SELECT "+segmentColumns+" FROM segments WHERE group_id = ? AND segment_index > ? AND status = ? ORDER BY segment_index",
			group, index, StatusReserved)
		if err != nil {
			return err
		}
		for _, seg := range pending {
			applied, err := s.failTx(ctx, tx, seg, message)
			if err != nil {
				return err
			}
			if applied {
				failed = append(failed, seg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, seg := range failed {
		s.emit(ctx, seg, StatusReserved, StatusFailed, message)
	}
	return failed, nil
}

// Reset deletes a segment, refunding it first when it still holds a
// reservation. A missing segment is a no-op.
func (s *Store) Reset(ctx context.Context, id int64) (ResetResult, error) {
	var (
		result ResetResult
		seg    *Segment
	)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		result = ResetResult{}
		current, err := getSegment(ctx, tx, id)
		if err != nil {
			return err
		}
		seg = current
		released, err := s.resetTx(ctx, tx, seg)
		if err != nil {
			return err
		}
		result.Deleted = 1
		result.Released = released
		return nil
	})
	if errors.Is(err, services.ErrNotFound) {
		return ResetResult{}, nil
	}
	if err != nil {
		return ResetResult{}, err
	}
	s.logger.Info("segment reset",
		logging.String(logging.FieldEventType, "segment_reset"),
		logging.Int64(logging.FieldSegmentID, seg.ID),
		logging.String(logging.FieldGroupID, seg.GroupID),
		logging.String("previous_status", string(seg.Status)),
		logging.Int64("released", result.Released),
	)
	return result, nil
}

func (s *Store) resetTx(ctx context.Context, tx *sql.Tx, seg *Segment) (int64, error) {
	var released int64
	if seg.Status.HoldsReservation() {
		var err error
		released, err = s.ledger.RefundTx(ctx, tx, seg.AccountID, seg.TokenCost, settleMetadata(seg, "reset"))
		if err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE id = ?", seg.ID); err != nil {
		return 0, fmt.Errorf("delete segment: %w", err)
	}
	return released, nil
}

// ResetGroup deletes every segment of group and the group itself, refunding
// the segments that still hold reservations.
func (s *Store) ResetGroup(ctx context.Context, group string) (ResetResult, error) {
	var result ResetResult
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		result = ResetResult{}
		segs, err := querySegments(ctx, tx,
			"SELECT "+segmentColumns+" FROM segments WHERE group_id = ? ORDER BY segment_index", group)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			released, err := s.resetTx(ctx, tx, seg)
			if err != nil {
				return err
			}
			result.Deleted++
			result.Released += released
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM segment_groups WHERE group_id = ?", group); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		return nil
	})
	if err != nil {
		return ResetResult{}, err
	}
	s.logger.Info("group reset",
		logging.String(logging.FieldEventType, "group_reset"),
		logging.String(logging.FieldGroupID, group),
		logging.Int("deleted", result.Deleted),
		logging.Int64("released", result.Released),
	)
	return result, nil
}

// Retry reserves the token cost of a failed segment again and moves it back
// to reserved. Insufficient balance is reported in the result.
func (s *Store) Retry(ctx context.Context, id int64) (RetryResult, error) {
	var (
		result RetryResult
		seg    *Segment
	)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		result = RetryResult{}
		current, err := getSegment(ctx, tx, id)
		if err != nil {
			return err
		}
		seg = current
		if seg.Status != StatusFailed {
			return services.Wrap(services.ErrValidation, "segments", "retry",
				fmt.Sprintf("segment %d is %s", id, seg.Status), ErrNotRetryable)
		}
		return s.retryTx(ctx, tx, seg.AccountID, []*Segment{seg}, &result)
	})
	if errors.Is(err, errShortfall) {
		return result, nil
	}
	if err != nil {
		return RetryResult{}, err
	}
	s.emit(ctx, seg, StatusFailed, StatusReserved, "")
	return result, nil
}

// RetryGroup re-reserves every failed segment of group with one reservation
// for their summed cost.
func (s *Store) RetryGroup(ctx context.Context, group string) (RetryResult, error) {
	var (
		result RetryResult
		failed []*Segment
	)
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		result = RetryResult{}
		var err error
		failed, err = querySegments(ctx, tx,
			"SELECT "+segmentColumns+" FROM segments WHERE group_id = ? AND status = ? ORDER BY segment_index",
			group, StatusFailed)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			return nil
		}
		return s.retryTx(ctx, tx, failed[0].AccountID, failed, &result)
	})
	if errors.Is(err, errShortfall) {
		return result, nil
	}
	if err != nil {
		return RetryResult{}, err
	}
	if result.Applied {
		for _, seg := range failed {
			s.emit(ctx, seg, StatusFailed, StatusReserved, "")
		}
	}
	return result, nil
}

func (s *Store) retryTx(ctx context.Context, tx *sql.Tx, account string, segs []*Segment, result *RetryResult) error {
	var total int64
	ids := make([]any, 0, len(segs))
	for _, seg := range segs {
		total += seg.TokenCost
		ids = append(ids, seg.ID)
	}
	ok, err := s.ledger.ReserveTx(ctx, tx, account, total, ledger.Metadata{
		"group":    segs[0].GroupID,
		"segments": len(segs),
		"reason":   "retry",
	})
	if err != nil {
		return err
	}
	if !ok {
		acct, err := ledger.AccountTx(ctx, tx, account)
		if err != nil {
			return err
		}
		result.Shortfall = ledger.ShortfallFor(acct, total)
		return errShortfall
	}
	args := append([]any{StatusReserved, storage.Now()}, ids...)
	args = append(args, StatusFailed)
	res, err := tx.ExecContext(ctx,
		`UPDATE segments SET status = ?, task_handle = NULL, artifact_url = NULL, thumbnail_url = NULL, error_message = NULL,
		     poll_failures = 0, submitted_at = NULL, completed_at = NULL, updated_at = ?
		 WHERE id IN (`+storage.Placeholders(len(ids))+`) AND status = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("retry segments: %w", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(segs) {
		return fmt.Errorf("retry segments: expected %d rows, updated %d", len(segs), n)
	}
	for _, seg := range segs {
		seg.Status = StatusReserved
		seg.ErrorMessage = ""
	}
	result.Applied = true
	result.Count = len(segs)
	result.Reserved = total
	return nil
}

// RecordPollFailure counts a failed poll and returns the consecutive total.
func (s *Store) RecordPollFailure(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"UPDATE segments SET poll_failures = poll_failures + 1, updated_at = ? WHERE id = ? AND status IN (?, ?) RETURNING poll_failures",
			storage.Now(), id, StatusSubmitted, StatusGenerating,
		).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			count = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("record poll failure: %w", err)
	}
	return count, nil
}

// ClearPollFailures resets the consecutive poll failure counter.
func (s *Store) ClearPollFailures(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, "UPDATE segments SET poll_failures = 0 WHERE id = ? AND poll_failures > 0", id); err != nil {
		return fmt.Errorf("clear poll failures: %w", err)
	}
	return nil
}
