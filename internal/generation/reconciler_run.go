package generation

import (
	"context"
	"errors"
	"time"

	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/segments"
)

// Status is a lightweight view of the reconciler for health endpoints.
type Status struct {
	Running   bool                    `json:"running"`
	LastRun   time.Time               `json:"lastRun,omitzero"`
	LastError string                  `json:"lastError,omitempty"`
	Segments  map[segments.Status]int `json:"segments"`
}

// Start begins the background loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("reconciler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(runCtx)
	return nil
}

// Stop terminates the loop and waits for the current pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()
	r.logger.Info("reconciler started",
		logging.Duration("poll_interval", r.pollInterval),
		logging.Duration("generation_timeout", r.timeout),
		logging.Int("poll_concurrency", r.concurrency),
	)
	for {
		wait := r.pollInterval
		if err := r.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			r.setLastError(err)
			r.logger.Error("reconcile pass failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "reconcile_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
			wait = r.errorRetry
		} else {
			r.setLastError(nil)
		}
		r.recordGauge(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Reconciler) recordGauge(ctx context.Context) {
	stats, err := r.store.Stats(ctx)
	if err != nil {
		return
	}
	metrics.SegmentsInFlight.Set(float64(stats[segments.StatusSubmitted] + stats[segments.StatusGenerating]))
}

func (r *Reconciler) setLastError(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.lastRun = r.now()
	r.mu.Unlock()
}

// Status reports loop state and segment counts.
func (r *Reconciler) Status(ctx context.Context) Status {
	r.mu.Lock()
	status := Status{Running: r.running, LastRun: r.lastRun}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()

	stats, err := r.store.Stats(ctx)
	if err != nil {
		r.logger.Warn("failed to read segment stats", logging.Error(err))
	}
	status.Segments = stats
	return status
}
