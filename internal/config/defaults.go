package config

const (
	defaultDataDir                = "~/.local/share/opendrama"
	defaultLogDir                 = "~/.local/share/opendrama/logs"
	defaultFramesDir              = "~/.local/share/opendrama/frames"
	defaultAPIBind                = "127.0.0.1:7610"
	defaultProviderTimeoutSeconds = 30
	defaultProviderRPS            = 2.0
	defaultProviderBurst          = 4
	defaultFFmpegBinary           = "ffmpeg"
	defaultFrameMaxEdge           = 1280
	defaultFrameJPEGQuality       = 90
	defaultFrameTimeoutSeconds    = 60
	defaultFrameMinFreeMiB        = 512
	defaultPricingVersion         = "2025-01"
	defaultPricingMarkup          = 1.5
	defaultPollInterval           = 10
	defaultErrorRetryInterval     = 15
	defaultGenerationTimeout      = 1800
	defaultMaxPollFailures        = 6
	defaultPollConcurrency        = 4
	defaultEventsStream           = "opendrama:segments"
	defaultEventsMaxLen           = 10000
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
	defaultLogMaxSizeMiB          = 50
)

// defaultRates lists raw provider costs in coins per second of generated video.
func defaultRates() map[string]float64 {
	return map[string]float64{
		"seedance-1-lite@480p":  0.6,
		"seedance-1-lite@720p":  1.2,
		"seedance-1-lite@1080p": 2.7,
		"seedance-1-pro@480p":   1.0,
		"seedance-1-pro@720p":   2.2,
		"seedance-1-pro@1080p":  5.0,
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			LogDir:    defaultLogDir,
			FramesDir: defaultFramesDir,
			APIBind:   defaultAPIBind,
		},
		Provider: Provider{
			TimeoutSeconds:    defaultProviderTimeoutSeconds,
			RequestsPerSecond: defaultProviderRPS,
			Burst:             defaultProviderBurst,
		},
		Frames: Frames{
			FFmpegBinary:   defaultFFmpegBinary,
			MaxEdge:        defaultFrameMaxEdge,
			JPEGQuality:    defaultFrameJPEGQuality,
			TimeoutSeconds: defaultFrameTimeoutSeconds,
			MinFreeMiB:     defaultFrameMinFreeMiB,
		},
		Pricing: Pricing{
			Version:  defaultPricingVersion,
			Markup:   defaultPricingMarkup,
			Rates:    defaultRates(),
			Features: map[string]int64{},
		},
		Workflow: Workflow{
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			GenerationTimeout:  defaultGenerationTimeout,
			MaxPollFailures:    defaultMaxPollFailures,
			PollConcurrency:    defaultPollConcurrency,
		},
		Events: Events{
			Stream: defaultEventsStream,
			MaxLen: defaultEventsMaxLen,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
			MaxSizeMiB:    defaultLogMaxSizeMiB,
		},
	}
}
