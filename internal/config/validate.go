package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateProviderLimits(); err != nil {
		return err
	}
	if err := c.validateFrames(); err != nil {
		return err
	}
	if err := c.validatePricing(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	return c.validateLogging()
}

// ValidateProvider checks the settings needed to talk to the video provider.
// Only the daemon requires them; CLI inspection commands run without.
func (c *Config) ValidateProvider() error {
	if c.Provider.BaseURL == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/opendrama/config.toml"
		}
		return fmt.Errorf("provider.base_url is required. Edit %s (create with 'opendrama config init')", defaultPath)
	}
	parsed, err := url.Parse(c.Provider.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("provider.base_url %q must be an absolute URL", c.Provider.BaseURL)
	}
	if c.Provider.APIKey == "" {
		return errors.New("provider.api_key is required. Set OPENDRAMA_PROVIDER_API_KEY or edit the config file")
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if !strings.Contains(c.Paths.APIBind, ":") {
		return fmt.Errorf("paths.api_bind %q must be host:port", c.Paths.APIBind)
	}
	return nil
}

func (c *Config) validateProviderLimits() error {
	if c.Provider.RequestsPerSecond < 0 {
		return errors.New("provider.requests_per_second must be zero (unlimited) or positive")
	}
	return nil
}

func (c *Config) validateFrames() error {
	if c.Frames.JPEGQuality < 1 || c.Frames.JPEGQuality > 100 {
		return errors.New("frames.jpeg_quality must be between 1 and 100")
	}
	if c.Frames.MaxEdge < 64 {
		return errors.New("frames.max_edge must be at least 64")
	}
	return nil
}

func (c *Config) validatePricing() error {
	if c.Pricing.Markup < 1 {
		return errors.New("pricing.markup must be at least 1")
	}
	for key, rate := range c.Pricing.Rates {
		if rate <= 0 {
			return fmt.Errorf("pricing.rates.%q must be positive", key)
		}
	}
	for key, cost := range c.Pricing.Features {
		if cost < 0 {
			return fmt.Errorf("pricing.features.%q must not be negative", key)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.GenerationTimeout < c.Workflow.PollInterval {
		return errors.New("workflow.generation_timeout must be at least workflow.poll_interval")
	}
	return nil
}

func (c *Config) validateEvents() error {
	if c.Events.RedisURL == "" {
		return nil
	}
	if !strings.HasPrefix(c.Events.RedisURL, "redis://") && !strings.HasPrefix(c.Events.RedisURL, "rediss://") {
		return errors.New("events.redis_url must use the redis:// or rediss:// scheme")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
}
