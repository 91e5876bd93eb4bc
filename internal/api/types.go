package api

import (
	"opendrama/internal/generation"
	"opendrama/internal/ledger"
	"opendrama/internal/provider"
	"opendrama/internal/segments"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Reconciler generation.Status `json:"reconciler"`
}

// AccountResponse wraps an account with its spendable amount.
type AccountResponse struct {
	ledger.Account
	Spendable int64 `json:"spendable"`
}

// LedgerResponse is one page of ledger history, newest first. Next is the
// cursor for the following page, zero when exhausted.
type LedgerResponse struct {
	Entries []ledger.Entry `json:"entries"`
	Next    int64          `json:"next,omitempty"`
}

// CreditRequest records settled payment or a promotional grant.
type CreditRequest struct {
	Amount    int64       `json:"amount"`
	Kind      ledger.Kind `json:"kind"`
	Reference string      `json:"reference,omitempty"`
}

// GroupResponse is the polling view of one group.
type GroupResponse struct {
	Summary  segments.GroupSummary `json:"summary"`
	Segments []*segments.Segment   `json:"segments"`
}

// QuoteResponse prices a clip or a flat-rate feature.
type QuoteResponse struct {
	PricingVersion string `json:"pricingVersion"`
	Cost           int64  `json:"cost"`
	Feature        string `json:"feature,omitempty"`
	Free           bool   `json:"free,omitempty"`
}

// CallbackRequest is the provider's push notification for one task.
type CallbackRequest struct {
	TaskHandle   string          `json:"taskHandle"`
	Status       provider.Status `json:"status"`
	ArtifactURL  string          `json:"artifactUrl,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Kind      string            `json:"kind,omitempty"`
	Shortfall *ledger.Shortfall `json:"shortfall,omitempty"`
}
