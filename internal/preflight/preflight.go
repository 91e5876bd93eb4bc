package preflight

import (
	"context"

	"opendrama/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail"`
}

// Pinger is implemented by clients that can prove reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services holds the live clients checked by RunAll. Nil entries are skipped.
type Services struct {
	Provider Pinger
	Events   Pinger
}

// RunAll executes every applicable preflight check for cfg.
func RunAll(ctx context.Context, cfg *config.Config, svc Services) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckBinary("FFmpeg", cfg.FFmpegBinary(), "Required for chain-mode frame extraction"),
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Frames directory", cfg.Paths.FramesDir),
	}
	if cfg.Frames.MinFreeMiB > 0 {
		results = append(results, CheckFreeSpace("Frames free space", cfg.Paths.FramesDir, uint64(cfg.Frames.MinFreeMiB)))
	}
	if svc.Provider != nil {
		results = append(results, CheckService(ctx, "Video provider", svc.Provider))
	}
	if svc.Events != nil && cfg.Events.RedisURL != "" {
		events := CheckService(ctx, "Event stream", svc.Events)
		events.Optional = true
		results = append(results, events)
	}
	return results
}

// Failed reports whether any required check failed.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Optional {
			return true
		}
	}
	return false
}
