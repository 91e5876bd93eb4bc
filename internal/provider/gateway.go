package provider

import (
	"context"
	"strings"
)

// Status is the provider-side state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether the task will not change again.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// NormalizeStatus maps the provider's vocabulary onto Status. Unknown values
// are treated as pending so an unexpected word never settles a segment.
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "processing", "in_progress", "generating":
		return StatusRunning
	case "done", "succeeded", "success", "completed", "complete":
		return StatusDone
	case "failed", "failure", "error", "cancelled", "canceled", "expired", "rejected":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Image is an inline start frame.
type Image struct {
	Data     []byte
	MIMEType string
}

// SubmitRequest describes one clip generation job.
type SubmitRequest struct {
	Model       string
	Resolution  string
	Prompt      string
	DurationSec float64
	Seed        *int64
	// StartImageURL and StartImage are mutually exclusive; StartImage wins.
	StartImageURL string
	StartImage    *Image
	// Reference is echoed back by the provider in callbacks.
	Reference string
}

// PollResult is one observation of a task.
type PollResult struct {
	Status       Status `json:"status"`
	ArtifactURL  string `json:"artifactUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Gateway submits generation jobs and reports their progress.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, handle string) (PollResult, error)
}
