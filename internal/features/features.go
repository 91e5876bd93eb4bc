package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"opendrama/internal/ledger"
	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/pricing"
	"opendrama/internal/services"
)

// ErrInsufficientBalance is returned when the account cannot pay for the
// feature, either before it runs or when the charge is applied.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Action is the feature work. Its result is only released after the charge
// succeeds.
type Action[T any] func(ctx context.Context) (T, error)

// Charger runs flat-rate features against the ledger.
type Charger struct {
	ledger *ledger.Ledger
	prices *pricing.Resolver
	logger *slog.Logger
}

// Receipt describes what a run cost.
type Receipt struct {
	Feature        string           `json:"feature"`
	Cost           int64            `json:"cost"`
	PricingVersion string           `json:"pricingVersion"`
	Free           bool             `json:"free"`
	Shortfall      ledger.Shortfall `json:"shortfall"`
}

// NewCharger wires a charger.
func NewCharger(l *ledger.Ledger, prices *pricing.Resolver, logger *slog.Logger) *Charger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Charger{ledger: l, prices: prices, logger: logging.NewComponentLogger(logger, "features")}
}

// Quote returns the current cost of feature.
func (c *Charger) Quote(feature string) (Receipt, error) {
	table := c.prices.Current()
	key := strings.ToLower(strings.TrimSpace(feature))
	cost, err := pricing.FeatureCost(table, key)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Feature: key, Cost: cost, PricingVersion: table.Version, Free: cost == 0}, nil
}

// Run prices feature, checks the account can afford it, runs action and then
// deducts the cost. When the deduction is refused because the balance moved
// while the action ran, the result is discarded and ErrInsufficientBalance is
// returned. A failed action is never charged.
func Run[T any](ctx context.Context, c *Charger, account, feature string, action Action[T]) (T, Receipt, error) {
	var zero T
	receipt, err := c.Quote(feature)
	if err != nil {
		return zero, Receipt{}, err
	}
	ctx = services.WithAccountID(ctx, account)
	logger := logging.WithContext(ctx, c.logger).With(logging.String("feature", receipt.Feature))

	acct, err := c.ledger.Account(ctx, account)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return zero, receipt, err
	}
	if acct.Spendable() < receipt.Cost {
		receipt.Shortfall = ledger.ShortfallFor(acct, receipt.Cost)
		metrics.FeatureRuns.WithLabelValues(receipt.Feature, "refused").Inc()
		logger.Info("feature refused for insufficient balance",
			logging.String(logging.FieldEventType, "feature_insufficient_balance"),
			logging.Int64("required", receipt.Cost),
			logging.Int64("available", receipt.Shortfall.Available),
		)
		return zero, receipt, ErrInsufficientBalance
	}

	result, err := action(ctx)
	if err != nil {
		metrics.FeatureRuns.WithLabelValues(receipt.Feature, "failed").Inc()
		return zero, receipt, fmt.Errorf("%s: %w", receipt.Feature, err)
	}

	meta := ledger.Metadata{"feature": receipt.Feature, "pricing_version": receipt.PricingVersion}
	if receipt.Free {
		meta["free"] = true
	}
	ok, err := c.ledger.DirectDeduct(ctx, account, receipt.Cost, meta)
	if err != nil {
		return zero, receipt, err
	}
	if !ok {
		after, _ := c.ledger.Account(ctx, account)
		receipt.Shortfall = ledger.ShortfallFor(after, receipt.Cost)
		metrics.FeatureRuns.WithLabelValues(receipt.Feature, "discarded").Inc()
		logger.Warn("feature result discarded; balance changed while running",
			logging.String(logging.FieldEventType, "feature_charge_refused"),
			logging.Int64("required", receipt.Cost),
			logging.String(logging.FieldImpact, "work was done but not delivered"),
		)
		return zero, receipt, ErrInsufficientBalance
	}
	metrics.FeatureRuns.WithLabelValues(receipt.Feature, "charged").Inc()
	logger.Info("feature charged",
		logging.String(logging.FieldEventType, "feature_charged"),
		logging.Int64("cost", receipt.Cost),
		logging.Bool("free", receipt.Free),
	)
	return result, receipt, nil
}
