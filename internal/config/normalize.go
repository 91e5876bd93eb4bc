package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeProvider(); err != nil {
		return err
	}
	c.normalizeFrames()
	if err := c.normalizePricing(); err != nil {
		return err
	}
	c.normalizeWorkflow()
	c.normalizeEvents()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.FramesDir) == "" {
		c.Paths.FramesDir = defaultFramesDir
	}
	if c.Paths.FramesDir, err = expandPath(c.Paths.FramesDir); err != nil {
		return fmt.Errorf("paths.frames_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		c.Paths.APIToken = strings.TrimSpace(os.Getenv("OPENDRAMA_API_TOKEN"))
	}
	return nil
}

func (c *Config) normalizeProvider() error {
	c.Provider.BaseURL = strings.TrimRight(strings.TrimSpace(c.Provider.BaseURL), "/")
	c.Provider.APIKey = strings.TrimSpace(c.Provider.APIKey)
	if c.Provider.APIKey == "" {
		c.Provider.APIKey = strings.TrimSpace(os.Getenv("OPENDRAMA_PROVIDER_API_KEY"))
	}
	c.Provider.WebhookSecret = strings.TrimSpace(c.Provider.WebhookSecret)
	if c.Provider.WebhookSecret == "" {
		c.Provider.WebhookSecret = strings.TrimSpace(os.Getenv("OPENDRAMA_WEBHOOK_SECRET"))
	}
	if c.Provider.TimeoutSeconds <= 0 {
		c.Provider.TimeoutSeconds = defaultProviderTimeoutSeconds
	}
	if c.Provider.Burst <= 0 {
		c.Provider.Burst = defaultProviderBurst
	}
	return nil
}

func (c *Config) normalizeFrames() {
	c.Frames.FFmpegBinary = strings.TrimSpace(c.Frames.FFmpegBinary)
	if c.Frames.FFmpegBinary == "" {
		c.Frames.FFmpegBinary = defaultFFmpegBinary
	}
	if c.Frames.MaxEdge <= 0 {
		c.Frames.MaxEdge = defaultFrameMaxEdge
	}
	if c.Frames.JPEGQuality == 0 {
		c.Frames.JPEGQuality = defaultFrameJPEGQuality
	}
	if c.Frames.TimeoutSeconds <= 0 {
		c.Frames.TimeoutSeconds = defaultFrameTimeoutSeconds
	}
	if c.Frames.MinFreeMiB < 0 {
		c.Frames.MinFreeMiB = 0
	}
}

func (c *Config) normalizePricing() error {
	c.Pricing.Version = strings.TrimSpace(c.Pricing.Version)
	if c.Pricing.Version == "" {
		c.Pricing.Version = defaultPricingVersion
	}
	if c.Pricing.Markup == 0 {
		c.Pricing.Markup = defaultPricingMarkup
	}
	if len(c.Pricing.Rates) == 0 {
		c.Pricing.Rates = defaultRates()
	}
	rates := make(map[string]float64, len(c.Pricing.Rates))
	for key, rate := range c.Pricing.Rates {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if !strings.Contains(normalized, "@") {
			return fmt.Errorf("pricing.rates: key %q must be model@resolution", key)
		}
		rates[normalized] = rate
	}
	c.Pricing.Rates = rates
	features := make(map[string]int64, len(c.Pricing.Features))
	for key, cost := range c.Pricing.Features {
		features[strings.ToLower(strings.TrimSpace(key))] = cost
	}
	c.Pricing.Features = features
	return nil
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = defaultPollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Workflow.GenerationTimeout <= 0 {
		c.Workflow.GenerationTimeout = defaultGenerationTimeout
	}
	if c.Workflow.MaxPollFailures <= 0 {
		c.Workflow.MaxPollFailures = defaultMaxPollFailures
	}
	if c.Workflow.PollConcurrency <= 0 {
		c.Workflow.PollConcurrency = defaultPollConcurrency
	}
}

func (c *Config) normalizeEvents() {
	c.Events.RedisURL = strings.TrimSpace(c.Events.RedisURL)
	if c.Events.RedisURL == "" {
		c.Events.RedisURL = strings.TrimSpace(os.Getenv("OPENDRAMA_REDIS_URL"))
	}
	c.Events.Stream = strings.TrimSpace(c.Events.Stream)
	if c.Events.Stream == "" {
		c.Events.Stream = defaultEventsStream
	}
	if c.Events.MaxLen <= 0 {
		c.Events.MaxLen = defaultEventsMaxLen
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
	if c.Logging.MaxSizeMiB <= 0 {
		c.Logging.MaxSizeMiB = defaultLogMaxSizeMiB
	}
}
