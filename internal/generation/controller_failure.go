package generation

import (
	"context"
	"errors"

	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/segments"
	"opendrama/internal/services"
)

// FailSegment moves seg to failed with a message derived from cause and
// refunds it. In chain mode every later reserved segment of the group is
// failed as blocked and refunded too. Only storage errors are returned; the
// segment stays unsettled in that case and is retried later.
func (c *Controller) FailSegment(ctx context.Context, seg *segments.Segment, cause error) error {
	message := failureMessage(seg, cause)
	applied, err := c.store.Fail(ctx, seg.ID, message)
	if err != nil {
		return err
	}
	logger := c.segmentLogger(seg)
	if !applied {
		logger.Debug("segment already settled; failure ignored", logging.Error(cause))
		return nil
	}

	details := services.Details(cause)
	metrics.SegmentFailures.WithLabelValues(details.Kind).Inc()
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "segment_failed"),
		logging.String(logging.FieldErrorKind, details.Kind),
		logging.String("error_message", message),
		logging.Int64("refunded", seg.TokenCost),
		logging.Bool("chain_mode", seg.ChainMode),
	}
	if details.Cause != "" {
		attrs = append(attrs, logging.String("cause", details.Cause))
	}
	if seg.TaskHandle != "" {
		attrs = append(attrs, logging.String(logging.FieldTaskHandle, seg.TaskHandle))
	}
	logger.Warn("segment failed", logging.Args(attrs...)...)

	if seg.ChainMode {
		return c.haltChain(ctx, seg)
	}
	return nil
}

// haltChain fails the reserved segments behind a failed chain segment.
func (c *Controller) haltChain(ctx context.Context, failed *segments.Segment) error {
	blocked, err := c.store.FailReservedAfter(ctx, failed.GroupID, failed.Index, segments.BlockedMessage(failed.Index))
	if err != nil {
		return err
	}
	if len(blocked) == 0 {
		return nil
	}
	var refunded int64
	for _, seg := range blocked {
		refunded += seg.TokenCost
	}
	metrics.SegmentFailures.WithLabelValues(services.ErrChainBlocked.Error()).Add(float64(len(blocked)))
	c.segmentLogger(failed).Info("chain halted behind failed segment",
		logging.String(logging.FieldEventType, "chain_halted"),
		logging.Int("blocked_segments", len(blocked)),
		logging.Int64("refunded", refunded),
		logging.String(logging.FieldErrorHint, "retry the group to resume from the failed segment"),
	)
	return nil
}

func failureMessage(seg *segments.Segment, cause error) string {
	if errors.Is(cause, services.ErrChainBlocked) && seg.Index > 0 {
		return segments.BlockedMessage(seg.Index - 1)
	}
	if message := services.FailureMessage(cause); message != "" {
		return message
	}
	return "generation failed"
}
