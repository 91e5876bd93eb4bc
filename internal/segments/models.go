package segments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"opendrama/internal/ledger"
)

// Status represents the lifecycle of a segment.
type Status string

const (
	StatusReserved   Status = "reserved"
	StatusSubmitted  Status = "submitted"
	StatusGenerating Status = "generating"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusReserved,
	StatusSubmitted,
	StatusGenerating,
	StatusDone,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns every segment status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	_, ok := statusSet[status]
	return status, ok
}

// HoldsReservation reports whether a segment in this status still has its
// token cost held on the account.
func (s Status) HoldsReservation() bool {
	return s == StatusReserved || s == StatusSubmitted || s == StatusGenerating
}

// InFlight reports whether the provider currently owns the segment.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusGenerating
}

// IsTerminal reports whether the segment has settled.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

var (
	ErrGroupExists  = errors.New("group already has segments")
	ErrNotRetryable = errors.New("segment is not failed")
)

// Segment is one clip to be generated.
type Segment struct {
	ID            int64      `json:"id"`
	GroupID       string     `json:"episodeGroupId"`
	AccountID     string     `json:"accountId"`
	Index         int        `json:"index"`
	SceneRef      string     `json:"sceneRef,omitempty"`
	DurationSec   float64    `json:"durationSec"`
	Prompt        string     `json:"prompt"`
	ProviderModel string     `json:"providerModel"`
	Resolution    string     `json:"resolution"`
	Status        Status     `json:"status"`
	TaskHandle    string     `json:"providerTaskHandle,omitempty"`
	ArtifactURL   string     `json:"artifactUrl,omitempty"`
	ThumbnailURL  string     `json:"thumbnailUrl,omitempty"`
	StartImageURL string     `json:"startImageUrl,omitempty"`
	Seed          *int64     `json:"seed,omitempty"`
	TokenCost     int64      `json:"tokenCost"`
	ChainMode     bool       `json:"chainMode"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	PollFailures  int        `json:"pollFailures"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Label renders a short human identifier.
func (s *Segment) Label() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("%s#%d", s.GroupID, s.Index)
}

// Group is one batch of segments sharing a reservation.
type Group struct {
	ID             string    `json:"episodeGroupId"`
	AccountID      string    `json:"accountId"`
	ChainMode      bool      `json:"chainMode"`
	ReservedTotal  int64     `json:"reservedTotal"`
	PricingVersion string    `json:"pricingVersion,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PlannedSegment is one priced clip of a batch request.
type PlannedSegment struct {
	SceneRef      string
	DurationSec   float64
	Prompt        string
	ProviderModel string
	Resolution    string
	TokenCost     int64
	Seed          *int64
	StartImageURL string
}

// BatchRequest describes a group to create.
type BatchRequest struct {
	GroupID        string
	AccountID      string
	ChainMode      bool
	PricingVersion string
	Segments       []PlannedSegment
}

// Total sums the token costs of the plan.
func (r BatchRequest) Total() int64 {
	var total int64
	for _, seg := range r.Segments {
		total += seg.TokenCost
	}
	return total
}

// BatchResult reports the outcome of CreateBatch. When Accepted is false the
// account could not afford the batch and nothing was persisted.
type BatchResult struct {
	Accepted  bool             `json:"accepted"`
	Shortfall ledger.Shortfall `json:"shortfall"`
	Group     *Group           `json:"group,omitempty"`
	Segments  []*Segment       `json:"segments,omitempty"`
}

// RetryResult reports the outcome of Retry or RetryGroup.
type RetryResult struct {
	Applied   bool             `json:"applied"`
	Count     int              `json:"count"`
	Reserved  int64            `json:"reserved"`
	Shortfall ledger.Shortfall `json:"shortfall"`
}

// ResetResult reports what a reset removed and released.
type ResetResult struct {
	Deleted  int   `json:"deleted"`
	Released int64 `json:"released"`
}

// GroupSummary is the polling view of a group.
type GroupSummary struct {
	GroupID   string         `json:"episodeGroupId"`
	AccountID string         `json:"accountId"`
	ChainMode bool           `json:"chainMode"`
	Total     int            `json:"total"`
	Counts    map[Status]int `json:"counts"`
	Progress  float64        `json:"progress"`
	// Blocked is set when a chain-mode failure stopped later segments.
	Blocked  bool  `json:"blocked"`
	Finished bool  `json:"finished"`
	Spent    int64 `json:"spent"`
	Held     int64 `json:"held"`
}

// Transition is emitted after a status change commits.
type Transition struct {
	SegmentID int64     `json:"segmentId"`
	GroupID   string    `json:"episodeGroupId"`
	AccountID string    `json:"accountId"`
	Index     int       `json:"index"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// BlockedMessagePrefix starts the error message of segments failed because an
// earlier chain-mode segment failed.
const BlockedMessagePrefix = "blocked by segment"

// BlockedMessage renders the failure message for a chain-blocked segment.
func BlockedMessage(failedIndex int) string {
	return fmt.Sprintf("%s %d", BlockedMessagePrefix, failedIndex)
}
