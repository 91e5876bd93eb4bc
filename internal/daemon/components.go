package daemon

import (
	"errors"
	"fmt"
	"log/slog"

	"opendrama/internal/config"
	"opendrama/internal/events"
	"opendrama/internal/features"
	"opendrama/internal/frames"
	"opendrama/internal/generation"
	"opendrama/internal/ledger"
	"opendrama/internal/pricing"
	"opendrama/internal/provider"
	"opendrama/internal/segments"
	"opendrama/internal/storage"
)

// Components is the wired service graph shared by the daemon and CLI.
type Components struct {
	DB         *storage.DB
	Ledger     *ledger.Ledger
	Store      *segments.Store
	Prices     *pricing.Resolver
	Gateway    provider.Gateway
	Extractor  frames.Extractor
	Publisher  events.Publisher
	Controller *generation.Controller
	Reconciler *generation.Reconciler
	Charger    *features.Charger
}

// Overrides replaces external integrations, mainly for tests.
type Overrides struct {
	Gateway   provider.Gateway
	Extractor frames.Extractor
	Publisher events.Publisher
}

// Wire opens the database and builds every service from cfg.
func Wire(cfg *config.Config, logger *slog.Logger, overrides Overrides) (*Components, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("wire requires config and logger")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	c := &Components{
		DB:        db,
		Gateway:   overrides.Gateway,
		Extractor: overrides.Extractor,
		Publisher: overrides.Publisher,
	}
	if c.Publisher == nil {
		pub, err := events.New(cfg.Events)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		c.Publisher = pub
	}
	if c.Gateway == nil {
		c.Gateway = provider.NewClient(cfg.Provider, provider.WithLogger(logger))
	}
	if c.Extractor == nil {
		c.Extractor = frames.NewFFmpeg(cfg, logger)
	}

	c.Ledger = ledger.New(db, logger)
	c.Store = segments.NewStore(db, c.Ledger, logger)
	c.Store.OnTransition(events.Hook(c.Publisher, logger))
	c.Prices = pricing.NewResolver(pricing.FromConfig(cfg.Pricing))
	c.Controller = generation.NewController(c.Store, c.Gateway, c.Extractor, c.Prices, logger)
	c.Reconciler = generation.NewReconciler(cfg, c.Store, c.Gateway, c.Controller, logger)
	c.Charger = features.NewCharger(c.Ledger, c.Prices, logger)
	return c, nil
}

// Close releases the publisher and the database.
func (c *Components) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Controller != nil {
		c.Controller.Wait()
	}
	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
