package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"opendrama/internal/frames"
	"opendrama/internal/logging"
	"opendrama/internal/pricing"
	"opendrama/internal/provider"
	"opendrama/internal/segments"
	"opendrama/internal/services"
)

// Controller owns batch creation and per-group submission order.
type Controller struct {
	store     *segments.Store
	gateway   provider.Gateway
	extractor frames.Extractor
	prices    *pricing.Resolver
	logger    *slog.Logger

	locks *keyedMutex

	mu       sync.Mutex
	lifetime context.Context
	wg       sync.WaitGroup
}

// NewController wires the controller. Detached work started by Generate runs
// on context.Background until Bind supplies the daemon lifetime.
func NewController(store *segments.Store, gateway provider.Gateway, extractor frames.Extractor, prices *pricing.Resolver, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		store:     store,
		gateway:   gateway,
		extractor: extractor,
		prices:    prices,
		logger:    logging.NewComponentLogger(logger, "generation"),
		locks:     newKeyedMutex(),
		lifetime:  context.Background(),
	}
}

// Bind ties detached kickoffs to ctx so shutdown cancels them.
func (c *Controller) Bind(ctx context.Context) {
	c.mu.Lock()
	c.lifetime = ctx
	c.mu.Unlock()
}

// Wait blocks until every detached kickoff has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Quote prices req with the current table.
func (c *Controller) Quote(req GenerateRequest) (Quote, error) {
	table := c.prices.Current()
	quote := Quote{PricingVersion: table.Version, Costs: make([]int64, 0, len(req.Clips))}
	if len(req.Clips) == 0 {
		return Quote{}, services.Wrap(services.ErrValidation, "generation", "quote", "at least one clip is required", nil)
	}
	for idx, clip := range req.Clips {
		cost, err := pricing.VideoCost(table, clip.Model, clip.Resolution, clip.DurationSec)
		if err != nil {
			return Quote{}, fmt.Errorf("clip %d: %w", idx, err)
		}
		quote.Costs = append(quote.Costs, cost)
		quote.Total += cost
	}
	return quote, nil
}

// Generate reserves the batch and starts the group in the background. It
// returns as soon as the batch is stored. A refused reservation is reported
// through the result.
func (c *Controller) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	result, err := c.Reserve(ctx, req)
	if err != nil || !result.Accepted {
		return result, err
	}
	c.Kick(result.GroupID)
	return result, nil
}

// Reserve prices every clip, reserves the total and persists the group
// without submitting anything. The reconciler picks the group up on its next
// pass; processes that do not own the reconciler use this.
func (c *Controller) Reserve(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.GroupID = strings.TrimSpace(req.GroupID)
	if req.GroupID == "" {
		req.GroupID = uuid.NewString()
	}
	quote, err := c.Quote(req)
	if err != nil {
		return GenerateResult{}, err
	}

	planned := make([]segments.PlannedSegment, 0, len(req.Clips))
	for idx, clip := range req.Clips {
		plan := segments.PlannedSegment{
			SceneRef:      clip.SceneRef,
			DurationSec:   clip.DurationSec,
			Prompt:        clip.Prompt,
			ProviderModel: strings.TrimSpace(clip.Model),
			Resolution:    strings.TrimSpace(clip.Resolution),
			TokenCost:     quote.Costs[idx],
			Seed:          clip.Seed,
		}
		if idx == 0 {
			plan.StartImageURL = strings.TrimSpace(req.StartImageURL)
		}
		planned = append(planned, plan)
	}

	batch, err := c.store.CreateBatch(ctx, segments.BatchRequest{
		GroupID:        req.GroupID,
		AccountID:      req.AccountID,
		ChainMode:      req.ChainMode,
		PricingVersion: quote.PricingVersion,
		Segments:       planned,
	})
	if err != nil {
		return GenerateResult{}, err
	}
	result := GenerateResult{
		Accepted:       batch.Accepted,
		GroupID:        req.GroupID,
		Total:          quote.Total,
		PricingVersion: quote.PricingVersion,
		Shortfall:      batch.Shortfall,
		Segments:       batch.Segments,
	}
	logger := c.logger.With(
		logging.String(logging.FieldGroupID, req.GroupID),
		logging.String(logging.FieldAccountID, req.AccountID),
	)
	if !batch.Accepted {
		logger.Info("generation refused for insufficient balance",
			logging.String(logging.FieldEventType, "generation_insufficient_balance"),
			logging.Int64("required", batch.Shortfall.Required),
			logging.Int64("available", batch.Shortfall.Available),
		)
		return result, nil
	}
	logger.Info("generation accepted",
		logging.String(logging.FieldEventType, "generation_accepted"),
		logging.Int("segments", len(batch.Segments)),
		logging.Int64("reserved", quote.Total),
		logging.Bool("chain_mode", req.ChainMode),
		logging.String("pricing_version", quote.PricingVersion),
	)
	return result, nil
}

// Kick advances group on a detached goroutine bound to the controller's
// lifetime rather than any request.
func (c *Controller) Kick(group string) {
	c.mu.Lock()
	ctx := c.lifetime
	c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Advance(ctx, group); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("group advance failed; reconciler will resume it",
				logging.String(logging.FieldEventType, "group_advance_failed"),
				logging.String(logging.FieldGroupID, group),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
		}
	}()
}

// Advance submits the next reserved segment of group unless one is already
// with the provider. Segments that cannot be submitted are failed and
// refunded, and the next index is tried.
func (c *Controller) Advance(ctx context.Context, group string) error {
	unlock := c.locks.Lock(group)
	defer unlock()
	ctx = services.WithGroupID(ctx, group)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		active, err := c.store.HasActive(ctx, group)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		next, err := c.store.NextReserved(ctx, group)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		submitted, err := c.submit(ctx, next)
		if err != nil {
			return err
		}
		if submitted {
			return nil
		}
	}
}

// submit hands seg to the provider. It returns false when seg was failed
// instead, so the caller moves on to the next index.
func (c *Controller) submit(ctx context.Context, seg *segments.Segment) (bool, error) {
	ctx = services.WithSegmentID(ctx, seg.ID)
	logger := c.segmentLogger(seg)

	req := provider.SubmitRequest{
		Model:       seg.ProviderModel,
		Resolution:  seg.Resolution,
		Prompt:      seg.Prompt,
		DurationSec: seg.DurationSec,
		Seed:        seg.Seed,
		Reference:   seg.Label(),
	}
	if seg.ChainMode && seg.Index > 0 {
		image, err := c.continuityFrame(ctx, seg)
		if err != nil {
			return false, c.FailSegment(ctx, seg, err)
		}
		req.StartImage = image
	} else if seg.ChainMode {
		req.StartImageURL = seg.StartImageURL
	}

	handle, err := c.gateway.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, c.FailSegment(ctx, seg, err)
	}

	applied, err := c.store.MarkSubmitted(ctx, seg.ID, handle)
	if err != nil {
		return false, err
	}
	if !applied {
		logging.WarnWithContext(logger, "provider task orphaned by concurrent reset", "provider_task_orphaned",
			logging.String(logging.FieldTaskHandle, handle),
			logging.String(logging.FieldImpact, "provider may still render and bill this task"),
			logging.String(logging.FieldErrorHint, "avoid resetting segments while they are being submitted"),
		)
		return true, nil
	}
	logger.Info("segment submitted",
		logging.String(logging.FieldEventType, "segment_submitted"),
		logging.String(logging.FieldTaskHandle, handle),
		logging.Bool("start_image", req.StartImage != nil || req.StartImageURL != ""),
	)
	return true, nil
}

// continuityFrame returns the last frame of the previous clip. A missing,
// unfinished or unreadable predecessor is an error: chain mode never falls
// back to an unanchored clip.
func (c *Controller) continuityFrame(ctx context.Context, seg *segments.Segment) (*provider.Image, error) {
	prev, err := c.store.Previous(ctx, seg)
	if err != nil {
		return nil, err
	}
	if prev == nil || prev.Status != segments.StatusDone || prev.ArtifactURL == "" {
		prevIndex := seg.Index - 1
		return nil, services.Wrap(services.ErrChainBlocked, "generation", "chain",
			segments.BlockedMessage(prevIndex), nil)
	}
	still, err := c.extractor.Extract(ctx, prev.ArtifactURL, prev.DurationSec)
	if err != nil {
		return nil, err
	}
	if len(still.Data) == 0 {
		return nil, services.Wrap(services.ErrExtractionFailed, "generation", "chain", "extracted frame is empty", nil)
	}
	return &provider.Image{Data: still.Data, MIMEType: still.MIMEType}, nil
}

func (c *Controller) segmentLogger(seg *segments.Segment) *slog.Logger {
	return c.logger.With(
		logging.Int64(logging.FieldSegmentID, seg.ID),
		logging.Int(logging.FieldSegmentIndex, seg.Index),
		logging.String(logging.FieldGroupID, seg.GroupID),
		logging.String(logging.FieldAccountID, seg.AccountID),
	)
}
