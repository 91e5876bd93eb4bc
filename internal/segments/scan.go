package segments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"opendrama/internal/services"
	"opendrama/internal/storage"
)

const segmentColumns = "id, group_id, account_id, segment_index, scene_ref, duration_sec, prompt, provider_model, resolution, status, task_handle, artifact_url, thumbnail_url, start_image_url, seed, token_cost, chain_mode, error_message, poll_failures, submitted_at, completed_at, created_at, updated_at"

func scanSegment(scanner interface{ Scan(dest ...any) error }) (*Segment, error) {
	var (
		seg          Segment
		sceneRef     sql.NullString
		statusStr    string
		taskHandle   sql.NullString
		artifactURL  sql.NullString
		thumbnailURL sql.NullString
		startImage   sql.NullString
		seed         sql.NullInt64
		chainMode    int
		errorMessage sql.NullString
		submittedRaw sql.NullString
		completedRaw sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&seg.ID,
		&seg.GroupID,
		&seg.AccountID,
		&seg.Index,
		&sceneRef,
		&seg.DurationSec,
		&seg.Prompt,
		&seg.ProviderModel,
		&seg.Resolution,
		&statusStr,
		&taskHandle,
		&artifactURL,
		&thumbnailURL,
		&startImage,
		&seed,
		&seg.TokenCost,
		&chainMode,
		&errorMessage,
		&seg.PollFailures,
		&submittedRaw,
		&completedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	seg.SceneRef = sceneRef.String
	seg.Status = Status(statusStr)
	seg.TaskHandle = taskHandle.String
	seg.ArtifactURL = artifactURL.String
	seg.ThumbnailURL = thumbnailURL.String
	seg.StartImageURL = startImage.String
	if seed.Valid {
		v := seed.Int64
		seg.Seed = &v
	}
	seg.ChainMode = chainMode != 0
	seg.ErrorMessage = errorMessage.String
	seg.SubmittedAt = storage.ParseNullTime(submittedRaw)
	seg.CompletedAt = storage.ParseNullTime(completedRaw)
	if t, err := storage.ParseTime(createdRaw); err == nil {
		seg.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedRaw); err == nil {
		seg.UpdatedAt = t
	}
	return &seg, nil
}

func getSegment(ctx context.Context, q storage.Querier, id int64) (*Segment, error) {
	row := q.QueryRowContext(ctx, "SELECT "+segmentColumns+" FROM segments WHERE id = ?", id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "segments", "get", fmt.Sprintf("segment %d", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load segment %d: %w", id, err)
	}
	return seg, nil
}

func querySegments(ctx context.Context, q storage.Querier, query string, args ...any) ([]*Segment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}
