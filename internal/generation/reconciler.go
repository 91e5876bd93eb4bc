package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opendrama/internal/config"
	"opendrama/internal/logging"
	"opendrama/internal/provider"
	"opendrama/internal/segments"
	"opendrama/internal/services"
)

// Reconciler observes in-flight provider tasks and settles their segments.
type Reconciler struct {
	store      *segments.Store
	gateway    provider.Gateway
	controller *Controller
	logger     *slog.Logger

	pollInterval    time.Duration
	errorRetry      time.Duration
	timeout         time.Duration
	maxPollFailures int
	concurrency     int
	now             func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
	lastRun time.Time
}

// ReconcilerOption customizes the reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides the time source used for timeouts.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler builds a reconciler from the workflow configuration.
func NewReconciler(cfg *config.Config, store *segments.Store, gateway provider.Gateway, controller *Controller, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Reconciler{
		store:           store,
		gateway:         gateway,
		controller:      controller,
		logger:          logging.NewComponentLogger(logger, "reconciler"),
		pollInterval:    time.Duration(cfg.Workflow.PollInterval) * time.Second,
		errorRetry:      time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		timeout:         time.Duration(cfg.Workflow.GenerationTimeout) * time.Second,
		maxPollFailures: cfg.Workflow.MaxPollFailures,
		concurrency:     cfg.Workflow.PollConcurrency,
		now:             time.Now,
	}
	if r.concurrency <= 0 {
		r.concurrency = 1
	}
	if r.pollInterval <= 0 {
		r.pollInterval = time.Second
	}
	if r.errorRetry <= 0 {
		r.errorRetry = r.pollInterval
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe applies one provider observation to the segment. It is shared by
// the poll loop and the provider callback, and re-observing a settled
// segment is a no-op.
func (r *Reconciler) Observe(ctx context.Context, segmentID int64, result provider.PollResult) error {
	seg, err := r.store.Get(ctx, segmentID)
	if errors.Is(err, services.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !seg.Status.InFlight() {
		return nil
	}
	ctx = services.WithSegmentID(services.WithGroupID(ctx, seg.GroupID), seg.ID)
	if err := r.store.ClearPollFailures(ctx, seg.ID); err != nil {
		return err
	}

	switch result.Status {
	case provider.StatusRunning:
		if seg.Status == segments.StatusSubmitted {
			if _, err := r.store.MarkGenerating(ctx, seg.ID); err != nil {
				return err
			}
		}
		return nil
	case provider.StatusDone:
		applied, err := r.store.Complete(ctx, seg.ID, result.ArtifactURL, result.ThumbnailURL)
		if err != nil {
			return err
		}
		if applied {
			r.controller.segmentLogger(seg).Info("segment completed",
				logging.String(logging.FieldEventType, "segment_done"),
				logging.Int64("charged", seg.TokenCost),
				logging.String("artifact_url", result.ArtifactURL),
			)
		}
		return r.controller.Advance(ctx, seg.GroupID)
	case provider.StatusFailed:
		cause := services.Wrap(services.ErrProviderFailed, "provider", "generate", result.Error, nil)
		if err := r.controller.FailSegment(ctx, seg, cause); err != nil {
			return err
		}
		return r.controller.Advance(ctx, seg.GroupID)
	default:
		return nil
	}
}

// ObserveHandle resolves the provider task handle and applies result.
func (r *Reconciler) ObserveHandle(ctx context.Context, handle string, result provider.PollResult) error {
	seg, err := r.store.FindByHandle(ctx, handle)
	if err != nil {
		return err
	}
	return r.Observe(ctx, seg.ID, result)
}

// Tick runs one reconciliation pass. Overdue segments are failed first, then
// in-flight segments are polled, and finally idle groups are advanced, which
// also picks up groups whose active segment failed during this pass.
func (r *Reconciler) Tick(ctx context.Context) error {
	if err := r.expireOverdue(ctx); err != nil {
		return err
	}
	inflight, err := r.store.InFlight(ctx, 0)
	if err != nil {
		return err
	}
	r.pollAll(ctx, inflight)
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.resumeIdle(ctx)
}

func (r *Reconciler) expireOverdue(ctx context.Context) error {
	if r.timeout <= 0 {
		return nil
	}
	overdue, err := r.store.Overdue(ctx, r.now().Add(-r.timeout))
	if err != nil {
		return err
	}
	for _, seg := range overdue {
		cause := services.Wrap(services.ErrProviderTimeout, "generation", "poll",
			fmt.Sprintf("no result after %s", r.timeout), nil)
		if err := r.controller.FailSegment(ctx, seg, cause); err != nil {
			return err
		}
	}
	return nil
}

// pollAll polls segments on a bounded pool. One slow or failing poll never
// blocks the others.
func (r *Reconciler) pollAll(ctx context.Context, inflight []*segments.Segment) {
	if len(inflight) == 0 {
		return
	}
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, seg := range inflight {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(seg *segments.Segment) {
			defer wg.Done()
			defer func() { <-sem }()
			r.pollOne(ctx, seg)
		}(seg)
	}
	wg.Wait()
}

func (r *Reconciler) pollOne(ctx context.Context, seg *segments.Segment) {
	logger := r.controller.segmentLogger(seg).With(logging.String(logging.FieldTaskHandle, seg.TaskHandle))
	result, err := r.gateway.Poll(ctx, seg.TaskHandle)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.pollFailed(ctx, logger, seg, err)
		return
	}
	if err := r.Observe(ctx, seg.ID, result); err != nil && ctx.Err() == nil {
		logger.Error("apply provider result failed",
			logging.String(logging.FieldEventType, "reconcile_apply_failed"),
			logging.String("provider_status", string(result.Status)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the result is applied again on the next tick"),
		)
	}
}

// pollFailed counts transient poll errors and request timeouts toward
// max_poll_failures. Rejections and unknown tasks fail the segment at once.
func (r *Reconciler) pollFailed(ctx context.Context, logger *slog.Logger, seg *segments.Segment, err error) {
	if !services.IsTransient(err) && !errors.Is(err, services.ErrProviderTimeout) {
		if failErr := r.controller.FailSegment(ctx, seg, err); failErr != nil {
			logger.Error("fail segment after poll error failed", logging.Error(failErr))
		}
		return
	}
	count, recErr := r.store.RecordPollFailure(ctx, seg.ID)
	if recErr != nil {
		logger.Error("record poll failure failed", logging.Error(recErr))
		return
	}
	if r.maxPollFailures > 0 && count >= r.maxPollFailures {
		cause := services.Wrap(services.ErrProviderTimeout, "generation", "poll",
			fmt.Sprintf("%d consecutive poll failures", count), err)
		if failErr := r.controller.FailSegment(ctx, seg, cause); failErr != nil {
			logger.Error("fail segment after poll errors failed", logging.Error(failErr))
		}
		return
	}
	logger.Debug("provider poll failed; will retry",
		logging.Int("consecutive_failures", count),
		logging.Error(err),
	)
}

// resumeIdle advances groups with reserved segments and nothing in flight,
// which covers restarts and kickoffs lost to a crash.
func (r *Reconciler) resumeIdle(ctx context.Context) error {
	groups, err := r.store.IdleGroups(ctx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := r.controller.Advance(ctx, group); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.logger.Warn("resume idle group failed",
				logging.String(logging.FieldEventType, "group_resume_failed"),
				logging.String(logging.FieldGroupID, group),
				logging.Error(err),
			)
		}
	}
	return nil
}
