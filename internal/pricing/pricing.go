// Package pricing turns generation requests into coin costs.
//
// A Table is an immutable, versioned snapshot of provider rates. Callers pass
// the table they resolved at request time into VideoCost and FeatureCost, so
// a price change never alters a request already in progress.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"opendrama/internal/config"
	"opendrama/internal/services"
)

var (
	ErrUnknownRate    = errors.New("no rate for model and resolution")
	ErrUnknownFeature = errors.New("unknown feature")
)

// Built-in flat costs for one-shot AI actions, used when configuration does
// not name the feature.
var defaultFeatureCosts = map[string]int64{
	"prompt_adapt":       2,
	"script_polish":      5,
	"scene_breakdown":    3,
	"storyboard_preview": 0,
}

// Table is a versioned cost table.
type Table struct {
	Version  string
	Markup   decimal.Decimal
	rates    map[string]decimal.Decimal
	features map[string]int64
}

// NewTable builds a table from raw per-second rates keyed "model@resolution".
func NewTable(version string, markup float64, rates map[string]float64, features map[string]int64) *Table {
	t := &Table{
		Version:  version,
		Markup:   decimal.NewFromFloat(markup),
		rates:    make(map[string]decimal.Decimal, len(rates)),
		features: make(map[string]int64, len(features)),
	}
	for key, rate := range rates {
		t.rates[strings.ToLower(strings.TrimSpace(key))] = decimal.NewFromFloat(rate)
	}
	for key, cost := range features {
		t.features[strings.ToLower(strings.TrimSpace(key))] = cost
	}
	return t
}

// FromConfig builds the table described by the [pricing] section.
func FromConfig(cfg config.Pricing) *Table {
	return NewTable(cfg.Version, cfg.Markup, cfg.Rates, cfg.Features)
}

// RateKey joins model and resolution into a table key.
func RateKey(model, resolution string) string {
	return strings.ToLower(strings.TrimSpace(model)) + "@" + strings.ToLower(strings.TrimSpace(resolution))
}

// Rate returns the raw per-second provider cost for model at resolution.
func (t *Table) Rate(model, resolution string) (decimal.Decimal, bool) {
	if t == nil {
		return decimal.Zero, false
	}
	rate, ok := t.rates[RateKey(model, resolution)]
	return rate, ok
}

// Models lists the configured rate keys in sorted order.
func (t *Table) Models() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.rates))
	for key := range t.rates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// VideoCost prices one clip: ceil(rate x duration x markup).
func VideoCost(t *Table, model, resolution string, durationSec float64) (int64, error) {
	if durationSec <= 0 {
		return 0, services.Wrap(services.ErrValidation, "pricing", "video cost",
			fmt.Sprintf("duration must be positive, got %v", durationSec), nil)
	}
	rate, ok := t.Rate(model, resolution)
	if !ok {
		return 0, services.Wrap(services.ErrValidation, "pricing", "video cost",
			RateKey(model, resolution), ErrUnknownRate)
	}
	cost := rate.Mul(decimal.NewFromFloat(durationSec)).Mul(t.Markup).Ceil()
	return cost.IntPart(), nil
}

// FeatureCost prices a flat-rate feature. Zero is a valid free tier.
func FeatureCost(t *Table, key string) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if t != nil {
		if cost, ok := t.features[normalized]; ok {
			return cost, nil
		}
	}
	if cost, ok := defaultFeatureCosts[normalized]; ok {
		return cost, nil
	}
	return 0, services.Wrap(services.ErrValidation, "pricing", "feature cost", normalized, ErrUnknownFeature)
}

// Resolver hands out the current table. Swapping installs a new version
// without mutating the one in-flight requests already hold.
type Resolver struct {
	current atomic.Pointer[Table]
}

// NewResolver returns a resolver serving table.
func NewResolver(table *Table) *Resolver {
	r := &Resolver{}
	r.current.Store(table)
	return r
}

// Current returns the active table.
func (r *Resolver) Current() *Table {
	return r.current.Load()
}

// Swap installs table and returns the previous one.
func (r *Resolver) Swap(table *Table) *Table {
	return r.current.Swap(table)
}
