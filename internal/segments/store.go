package segments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"opendrama/internal/ledger"
	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/services"
	"opendrama/internal/storage"
)

// TransitionHook receives committed transitions.
type TransitionHook func(ctx context.Context, t Transition)

// Store manages segment persistence and ledger linkage.
type Store struct {
	db     *storage.DB
	ledger *ledger.Ledger
	logger *slog.Logger

	hooksMu sync.RWMutex
	hooks   []TransitionHook
}

// NewStore wires a segment store over the shared database and ledger.
func NewStore(db *storage.DB, l *ledger.Ledger, logger *slog.Logger) *Store {
	return &Store{db: db, ledger: l, logger: logging.NewComponentLogger(logger, "segments")}
}

// OnTransition registers hook for every committed status change.
func (s *Store) OnTransition(hook TransitionHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

func (s *Store) emit(ctx context.Context, seg *Segment, from, to Status, message string) {
	metrics.SegmentTransitions.WithLabelValues(string(to)).Inc()
	t := Transition{
		SegmentID: seg.ID,
		GroupID:   seg.GroupID,
		AccountID: seg.AccountID,
		Index:     seg.Index,
		From:      from,
		To:        to,
		Message:   message,
		At:        time.Now().UTC(),
	}
	s.hooksMu.RLock()
	hooks := append([]TransitionHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, t)
	}
}

var errShortfall = errors.New("insufficient balance")

// CreateBatch reserves the summed cost of req and persists every segment in
// the reserved state, all in one transaction. A single reserve entry covers
// the whole batch.
func (s *Store) CreateBatch(ctx context.Context, req BatchRequest) (BatchResult, error) {
	if err := validateBatch(req); err != nil {
		return BatchResult{}, err
	}
	total := req.Total()

	var result BatchResult
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		result = BatchResult{}
		var existing int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM segments WHERE group_id = ?", req.GroupID).Scan(&existing); err != nil {
			return fmt.Errorf("count group segments: %w", err)
		}
		if existing > 0 {
			return services.Wrap(services.ErrValidation, "segments", "create batch", req.GroupID, ErrGroupExists)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM segment_groups WHERE group_id = ?", req.GroupID); err != nil {
			return fmt.Errorf("clear stale group: %w", err)
		}

		ok, err := s.ledger.ReserveTx(ctx, tx, req.AccountID, total, ledger.Metadata{
			"group":           req.GroupID,
			"segments":        len(req.Segments),
			"chain_mode":      req.ChainMode,
			"pricing_version": req.PricingVersion,
		})
		if err != nil {
			return err
		}
		if !ok {
			acct, err := ledger.AccountTx(ctx, tx, req.AccountID)
			if err != nil {
				return err
			}
			result.Shortfall = ledger.ShortfallFor(acct, total)
			return errShortfall
		}

		now := time.Now().UTC()
		nowText := storage.FormatTime(now)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO segment_groups (group_id, account_id, chain_mode, reserved_total, pricing_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			req.GroupID, req.AccountID, storage.BoolToInt(req.ChainMode), total, storage.NullableString(req.PricingVersion), nowText,
		); err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		result.Group = &Group{
			ID:             req.GroupID,
			AccountID:      req.AccountID,
			ChainMode:      req.ChainMode,
			ReservedTotal:  total,
			PricingVersion: req.PricingVersion,
			CreatedAt:      now,
		}

		for idx, plan := range req.Segments {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO segments (group_id, account_id, segment_index, scene_ref, duration_sec, prompt, provider_model,
				     resolution, status, start_image_url, seed, token_cost, chain_mode, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				req.GroupID, req.AccountID, idx, storage.NullableString(plan.SceneRef), plan.DurationSec, plan.Prompt,
				plan.ProviderModel, plan.Resolution, StatusReserved, storage.NullableString(plan.StartImageURL),
				storage.NullableInt64(plan.Seed), plan.TokenCost, storage.BoolToInt(req.ChainMode), nowText, nowText,
			)
			if err != nil {
				return fmt.Errorf("insert segment %d: %w", idx, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("segment id: %w", err)
			}
			result.Segments = append(result.Segments, &Segment{
				ID:            id,
				GroupID:       req.GroupID,
				AccountID:     req.AccountID,
				Index:         idx,
				SceneRef:      plan.SceneRef,
				DurationSec:   plan.DurationSec,
				Prompt:        plan.Prompt,
				ProviderModel: plan.ProviderModel,
				Resolution:    plan.Resolution,
				Status:        StatusReserved,
				StartImageURL: plan.StartImageURL,
				Seed:          plan.Seed,
				TokenCost:     plan.TokenCost,
				ChainMode:     req.ChainMode,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		result.Accepted = true
		return nil
	})
	if errors.Is(err, errShortfall) {
		return result, nil
	}
	if err != nil {
		return BatchResult{}, err
	}
	for _, seg := range result.Segments {
		s.emit(ctx, seg, "", StatusReserved, "")
	}
	return result, nil
}

func validateBatch(req BatchRequest) error {
	invalid := func(msg string) error {
		return services.Wrap(services.ErrValidation, "segments", "create batch", msg, nil)
	}
	if strings.TrimSpace(req.GroupID) == "" {
		return invalid("episode group id is required")
	}
	if strings.TrimSpace(req.AccountID) == "" {
		return invalid("account id is required")
	}
	if len(req.Segments) == 0 {
		return invalid("at least one segment is required")
	}
	for idx, seg := range req.Segments {
		switch {
		case seg.DurationSec <= 0:
			return invalid(fmt.Sprintf("segment %d: duration must be positive", idx))
		case strings.TrimSpace(seg.Prompt) == "":
			return invalid(fmt.Sprintf("segment %d: prompt is required", idx))
		case strings.TrimSpace(seg.ProviderModel) == "" || strings.TrimSpace(seg.Resolution) == "":
			return invalid(fmt.Sprintf("segment %d: model and resolution are required", idx))
		case seg.TokenCost < 0:
			return invalid(fmt.Sprintf("segment %d: token cost must not be negative", idx))
		}
	}
	return nil
}

func settleMetadata(seg *Segment, reason string) ledger.Metadata {
	meta := ledger.Metadata{
		"group":      seg.GroupID,
		"segment_id": seg.ID,
		"index":      seg.Index,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	return meta
}
