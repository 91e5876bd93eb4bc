package generation

import (
	"opendrama/internal/ledger"
	"opendrama/internal/segments"
)

// Clip is one requested video clip.
type Clip struct {
	SceneRef    string  `json:"sceneRef,omitempty"`
	DurationSec float64 `json:"durationSec"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"providerModel"`
	Resolution  string  `json:"resolution"`
	Seed        *int64  `json:"seed,omitempty"`
}

// GenerateRequest asks for a group of clips to be generated. GroupID is
// generated when empty.
type GenerateRequest struct {
	GroupID       string `json:"episodeGroupId,omitempty"`
	AccountID     string `json:"accountId"`
	ChainMode     bool   `json:"chainMode"`
	StartImageURL string `json:"startImageUrl,omitempty"`
	Clips         []Clip `json:"clips"`
}

// GenerateResult reports the accepted batch or the shortfall that refused it.
type GenerateResult struct {
	Accepted       bool                `json:"accepted"`
	GroupID        string              `json:"episodeGroupId"`
	Total          int64               `json:"total"`
	PricingVersion string              `json:"pricingVersion"`
	Shortfall      ledger.Shortfall    `json:"shortfall"`
	Segments       []*segments.Segment `json:"segments,omitempty"`
}

// Quote prices a request without reserving anything.
type Quote struct {
	PricingVersion string  `json:"pricingVersion"`
	Costs          []int64 `json:"costs"`
	Total          int64   `json:"total"`
}
