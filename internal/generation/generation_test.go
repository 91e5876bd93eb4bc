package generation_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"opendrama/internal/config"
	"opendrama/internal/generation"
	"opendrama/internal/ledger"
	"opendrama/internal/logging"
	"opendrama/internal/pricing"
	"opendrama/internal/provider"
	"opendrama/internal/segments"
	"opendrama/internal/services"
	"opendrama/internal/testsupport"
)

type harness struct {
	cfg        *config.Config
	ledger     *ledger.Ledger
	store      *segments.Store
	gateway    *testsupport.FakeGateway
	extractor  *testsupport.FakeExtractor
	controller *generation.Controller
	reconciler *generation.Reconciler
	clock      *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T, balance int64, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	for _, fn := range mutate {
		fn(cfg)
	}
	db := testsupport.MustOpenDB(t, cfg)
	logger := logging.NewNop()
	l := ledger.New(db, logger)
	testsupport.FundedAccount(t, l, "u1", balance)
	store := segments.NewStore(db, l, logger)
	gw := testsupport.NewFakeGateway()
	ex := &testsupport.FakeExtractor{}
	ctrl := generation.NewController(store, gw, ex, pricing.NewResolver(pricing.FromConfig(cfg.Pricing)), logger)
	clock := &fakeClock{now: time.Now()}
	rec := generation.NewReconciler(cfg, store, gw, ctrl, logger, generation.WithClock(clock.Now))
	t.Cleanup(ctrl.Wait)
	return &harness{
		cfg:        cfg,
		ledger:     l,
		store:      store,
		gateway:    gw,
		extractor:  ex,
		controller: ctrl,
		reconciler: rec,
		clock:      clock,
	}
}

// clips returns n five-second 720p clips; each costs 9 coins with the default
// table (1.2/s × 5s × 1.5 markup).
func clips(n int) []generation.Clip {
	out := make([]generation.Clip, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, generation.Clip{
			SceneRef:    "scene",
			DurationSec: 5,
			Prompt:      "shot " + string(rune('A'+i)),
			Model:       "seedance-1-lite",
			Resolution:  "720p",
		})
	}
	return out
}

func (h *harness) generate(t *testing.T, req generation.GenerateRequest) generation.GenerateResult {
	t.Helper()
	if req.AccountID == "" {
		req.AccountID = "u1"
	}
	res, err := h.controller.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	h.controller.Wait()
	return res
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.reconciler.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	h.controller.Wait()
}

func (h *harness) segments(t *testing.T, group string) []*segments.Segment {
	t.Helper()
	segs, err := h.store.ListGroup(context.Background(), group)
	if err != nil {
		t.Fatalf("ListGroup failed: %v", err)
	}
	return segs
}

func (h *harness) assertStatuses(t *testing.T, group string, want ...segments.Status) {
	t.Helper()
	segs := h.segments(t, group)
	if len(segs) != len(want) {
		t.Fatalf("expected %d segments, got %d", len(want), len(segs))
	}
	for i, seg := range segs {
		if seg.Status != want[i] {
			t.Fatalf("segment %d: status %s, want %s (error %q)", i, seg.Status, want[i], seg.ErrorMessage)
		}
	}
}

func (h *harness) assertAccount(t *testing.T, balance, reserved, consumed int64) {
	t.Helper()
	ctx := context.Background()
	acct, err := h.ledger.Verify(ctx, "u1")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if acct.Balance != balance || acct.Reserved != reserved || acct.TotalConsumed != consumed {
		t.Fatalf("account balance=%d reserved=%d consumed=%d, want %d/%d/%d",
			acct.Balance, acct.Reserved, acct.TotalConsumed, balance, reserved, consumed)
	}
	held, err := h.store.HeldCoins(ctx, "u1")
	if err != nil {
		t.Fatalf("HeldCoins failed: %v", err)
	}
	if held != acct.Reserved {
		t.Fatalf("live segments hold %d but account reserves %d", held, acct.Reserved)
	}
}

func TestDefaultModeSubmitsOneSegmentAtATime(t *testing.T) {
	h := newHarness(t, 100)
	res := h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(3)})
	if !res.Accepted || res.Total != 27 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := h.gateway.Submitted(); len(got) != 1 || got[0].Prompt != "shot A" {
		t.Fatalf("expected only the first segment submitted, got %+v", got)
	}
	h.assertStatuses(t, "ep-1", segments.StatusSubmitted, segments.StatusReserved, segments.StatusReserved)
	h.assertAccount(t, 100, 27, 0)

	h.gateway.SetResult("task-1", provider.PollResult{Status: provider.StatusRunning})
	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusGenerating, segments.StatusReserved, segments.StatusReserved)

	h.gateway.SetResult("task-1", provider.PollResult{Status: provider.StatusDone, ArtifactURL: "https://cdn.example/0.mp4"})
	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusDone, segments.StatusSubmitted, segments.StatusReserved)
	h.assertAccount(t, 91, 18, 9)

	// A failure in default mode does not block the next segment.
	h.gateway.SetResult("task-2", provider.PollResult{Status: provider.StatusFailed, Error: "content policy"})
	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusDone, segments.StatusFailed, segments.StatusSubmitted)
	h.assertAccount(t, 91, 9, 9)
	if msg := h.segments(t, "ep-1")[1].ErrorMessage; !strings.Contains(msg, "content policy") {
		t.Fatalf("expected provider error in message, got %q", msg)
	}

	h.gateway.SetResult("task-3", provider.PollResult{Status: provider.StatusDone, ArtifactURL: "https://cdn.example/2.mp4"})
	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusDone, segments.StatusFailed, segments.StatusDone)
	h.assertAccount(t, 82, 0, 18)
	if len(h.gateway.Submitted()) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(h.gateway.Submitted()))
	}
	if len(h.extractor.Calls()) != 0 {
		t.Fatal("default mode must not extract frames")
	}
}

func TestInsufficientBalanceReturnsShortfall(t *testing.T) {
	h := newHarness(t, 10)
	res := h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(3)})
	if res.Accepted {
		t.Fatal("expected generation to be refused")
	}
	if res.Shortfall.Required != 27 || res.Shortfall.Available != 10 || res.Shortfall.Missing != 17 {
		t.Fatalf("unexpected shortfall: %+v", res.Shortfall)
	}
	if len(h.gateway.Submitted()) != 0 || len(h.segments(t, "ep-1")) != 0 {
		t.Fatal("refused generation must not persist or submit anything")
	}
	h.assertAccount(t, 10, 0, 0)
}

func TestUnknownRateIsRejectedBeforeReserving(t *testing.T) {
	h := newHarness(t, 100)
	req := generation.GenerateRequest{GroupID: "ep-1", AccountID: "u1", Clips: clips(1)}
	req.Clips[0].Resolution = "4k"
	_, err := h.controller.Generate(context.Background(), req)
	if !errors.Is(err, pricing.ErrUnknownRate) {
		t.Fatalf("expected ErrUnknownRate, got %v", err)
	}
	h.assertAccount(t, 100, 0, 0)
}

func TestChainModeThreadsLastFrame(t *testing.T) {
	h := newHarness(t, 100)
	h.generate(t, generation.GenerateRequest{
		GroupID:       "ep-1",
		ChainMode:     true,
		StartImageURL: "https://cdn.example/cover.jpg",
		Clips:         clips(3),
	})

	for i, handle := range []string{"task-1", "task-2", "task-3"} {
		h.gateway.SetResult(handle, provider.PollResult{
			Status:      provider.StatusDone,
			ArtifactURL: "https://cdn.example/" + string(rune('0'+i)) + ".mp4",
		})
		h.tick(t)
	}

	submitted := h.gateway.Submitted()
	if len(submitted) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(submitted))
	}
	if submitted[0].StartImageURL != "https://cdn.example/cover.jpg" || submitted[0].StartImage != nil {
		t.Fatalf("first chain segment should use the caller's start image: %+v", submitted[0])
	}
	for i := 1; i < 3; i++ {
		img := submitted[i].StartImage
		want := "frame:https://cdn.example/" + string(rune('0'+i-1)) + ".mp4"
		if img == nil || string(img.Data) != want {
			t.Fatalf("segment %d start image = %v, want %q", i, img, want)
		}
	}
	if calls := h.extractor.Calls(); len(calls) != 2 {
		t.Fatalf("expected 2 extractions, got %v", calls)
	}
	h.assertStatuses(t, "ep-1", segments.StatusDone, segments.StatusDone, segments.StatusDone)
	h.assertAccount(t, 73, 0, 27)
}

func TestChainExtractionFailureNeverCallsProvider(t *testing.T) {
	h := newHarness(t, 100)
	h.extractor.Err = services.Wrap(services.ErrExtractionFailed, "frames", "ffmpeg", "moov atom not found", nil)
	h.generate(t, generation.GenerateRequest{GroupID: "ep-1", ChainMode: true, Clips: clips(3)})

	h.gateway.SetResult("task-1", provider.PollResult{Status: provider.StatusDone, ArtifactURL: "https://cdn.example/0.mp4"})
	h.tick(t)

	if got := h.gateway.Submitted(); len(got) != 1 {
		t.Fatalf("provider must only see the first segment, got %d submissions", len(got))
	}
	h.assertStatuses(t, "ep-1", segments.StatusDone, segments.StatusFailed, segments.StatusFailed)
	segs := h.segments(t, "ep-1")
	if !strings.Contains(segs[1].ErrorMessage, "frame extraction failed") {
		t.Fatalf("unexpected extraction failure message: %q", segs[1].ErrorMessage)
	}
	if segs[2].ErrorMessage != segments.BlockedMessage(1) {
		t.Fatalf("unexpected blocked message: %q", segs[2].ErrorMessage)
	}
	summary, err := h.store.Summary(context.Background(), "ep-1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if !summary.Blocked || !summary.Finished {
		t.Fatalf("expected blocked finished summary, got %+v", summary)
	}
	h.assertAccount(t, 91, 0, 9)
}

func TestChainProviderFailureHaltsAndRetryResumes(t *testing.T) {
	h := newHarness(t, 100)
	h.generate(t, generation.GenerateRequest{GroupID: "ep-1", ChainMode: true, Clips: clips(3)})

	h.gateway.SetResult("task-1", provider.PollResult{Status: provider.StatusFailed, Error: "timeout on provider side"})
	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusFailed, segments.StatusFailed, segments.StatusFailed)
	h.assertAccount(t, 100, 0, 0)
	if len(h.gateway.Submitted()) != 1 {
		t.Fatalf("blocked segments must not be submitted, got %d", len(h.gateway.Submitted()))
	}

	retry, err := h.store.RetryGroup(context.Background(), "ep-1")
	if err != nil {
		t.Fatalf("RetryGroup failed: %v", err)
	}
	if !retry.Applied || retry.Count != 3 || retry.Reserved != 27 {
		t.Fatalf("unexpected retry: %+v", retry)
	}
	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusSubmitted, segments.StatusReserved, segments.StatusReserved)
	h.assertAccount(t, 100, 27, 0)
}

func TestSubmitRejectionFailsAndRefunds(t *testing.T) {
	h := newHarness(t, 100)
	h.gateway.SubmitErr["*"] = services.Wrap(services.ErrProviderRejected, "provider", "submit", "http 400: bad prompt", nil)
	h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(2)})

	h.assertStatuses(t, "ep-1", segments.StatusFailed, segments.StatusFailed)
	h.assertAccount(t, 100, 0, 0)
	seg := h.segments(t, "ep-1")[0]
	if !strings.HasPrefix(seg.ErrorMessage, "provider rejected") {
		t.Fatalf("unexpected message: %q", seg.ErrorMessage)
	}
}

func TestGenerationTimeoutFailsSegment(t *testing.T) {
	h := newHarness(t, 100)
	h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(2)})

	h.clock.Advance(time.Duration(h.cfg.Workflow.GenerationTimeout+1) * time.Second)
	h.tick(t)

	h.assertStatuses(t, "ep-1", segments.StatusFailed, segments.StatusSubmitted)
	if msg := h.segments(t, "ep-1")[0].ErrorMessage; !strings.HasPrefix(msg, "provider timeout") {
		t.Fatalf("unexpected message: %q", msg)
	}
	h.assertAccount(t, 100, 9, 0)
}

func TestRepeatedPollErrorsFailSegment(t *testing.T) {
	h := newHarness(t, 100, func(cfg *config.Config) { cfg.Workflow.MaxPollFailures = 2 })
	h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(1)})
	h.gateway.SetPollError("task-1", services.Wrap(services.ErrTransient, "provider", "poll", "http 502", nil))

	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusSubmitted)
	if seg := h.segments(t, "ep-1")[0]; seg.PollFailures != 1 {
		t.Fatalf("expected one recorded poll failure, got %d", seg.PollFailures)
	}

	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusFailed)
	if msg := h.segments(t, "ep-1")[0].ErrorMessage; !strings.Contains(msg, "consecutive poll failures") {
		t.Fatalf("unexpected message: %q", msg)
	}
	h.assertAccount(t, 100, 0, 0)
}

func TestPollRecoveryClearsFailureCount(t *testing.T) {
	h := newHarness(t, 100, func(cfg *config.Config) { cfg.Workflow.MaxPollFailures = 2 })
	h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(1)})

	h.gateway.SetPollError("task-1", services.Wrap(services.ErrTransient, "provider", "poll", "http 502", nil))
	h.tick(t)
	h.gateway.SetResult("task-1", provider.PollResult{Status: provider.StatusRunning})
	h.tick(t)
	h.gateway.SetPollError("task-1", services.Wrap(services.ErrTransient, "provider", "poll", "http 502", nil))
	h.tick(t)

	h.assertStatuses(t, "ep-1", segments.StatusGenerating)
}

func TestObserveIsIdempotent(t *testing.T) {
	h := newHarness(t, 100)
	res := h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(1)})
	ctx := context.Background()
	id := res.Segments[0].ID
	done := provider.PollResult{Status: provider.StatusDone, ArtifactURL: "https://cdn.example/0.mp4"}

	for i := 0; i < 3; i++ {
		if err := h.reconciler.ObserveHandle(ctx, "task-1", done); err != nil {
			t.Fatalf("ObserveHandle failed: %v", err)
		}
	}
	if err := h.reconciler.Observe(ctx, id, provider.PollResult{Status: provider.StatusFailed, Error: "late"}); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	h.assertStatuses(t, "ep-1", segments.StatusDone)
	h.assertAccount(t, 91, 0, 9)

	entries, err := h.ledger.Entries(ctx, "u1")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	var consumes int
	for _, entry := range entries {
		if entry.Kind == ledger.KindConsume {
			consumes++
		}
	}
	if consumes != 1 {
		t.Fatalf("expected one consume entry, got %d", consumes)
	}

	// Observations for a reset segment are ignored.
	if _, err := h.store.Reset(ctx, id); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := h.reconciler.Observe(ctx, id, done); err != nil {
		t.Fatalf("Observe after reset failed: %v", err)
	}
}

func TestResetDuringGenerationIsNotRecharged(t *testing.T) {
	h := newHarness(t, 100)
	res := h.generate(t, generation.GenerateRequest{GroupID: "ep-1", Clips: clips(1)})
	ctx := context.Background()

	h.gateway.SetResult("task-1", provider.PollResult{Status: provider.StatusRunning})
	h.tick(t)
	if _, err := h.store.Reset(ctx, res.Segments[0].ID); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	h.gateway.SetResult("task-1", provider.PollResult{Status: provider.StatusDone, ArtifactURL: "https://cdn.example/0.mp4"})
	h.tick(t)

	h.assertAccount(t, 100, 0, 0)
	if h.gateway.PollCount("task-1") != 1 {
		t.Fatalf("reset segment should not be polled again, polled %d times", h.gateway.PollCount("task-1"))
	}
}

func TestConcurrentAdvanceSubmitsOnce(t *testing.T) {
	h := newHarness(t, 100)
	h.controller.Bind(canceledContext())
	res, err := h.controller.Generate(context.Background(), generation.GenerateRequest{GroupID: "ep-1", AccountID: "u1", Clips: clips(3)})
	if err != nil || !res.Accepted {
		t.Fatalf("Generate = %+v, %v", res, err)
	}
	if len(h.gateway.Submitted()) != 0 {
		t.Fatal("kickoff should not run after the lifetime context is canceled")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.controller.Advance(context.Background(), "ep-1"); err != nil {
				t.Errorf("Advance failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := len(h.gateway.Submitted()); got != 1 {
		t.Fatalf("expected exactly one submission, got %d", got)
	}
}

func TestIdleGroupsResumeOnTick(t *testing.T) {
	h := newHarness(t, 100)
	h.controller.Bind(canceledContext())
	if _, err := h.controller.Generate(context.Background(), generation.GenerateRequest{GroupID: "ep-1", AccountID: "u1", Clips: clips(2)}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	h.tick(t)
	h.assertStatuses(t, "ep-1", segments.StatusSubmitted, segments.StatusReserved)

	status := h.reconciler.Status(context.Background())
	if status.Segments[segments.StatusSubmitted] != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestQuoteUsesCurrentTable(t *testing.T) {
	h := newHarness(t, 100)
	quote, err := h.controller.Quote(generation.GenerateRequest{Clips: clips(2)})
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if quote.Total != 18 || len(quote.Costs) != 2 || quote.PricingVersion != h.cfg.Pricing.Version {
		t.Fatalf("unexpected quote: %+v", quote)
	}
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestReserveLeavesSubmissionToReconciler(t *testing.T) {
	h := newHarness(t, 100)
	res, err := h.controller.Reserve(context.Background(), generation.GenerateRequest{AccountID: "u1", Clips: clips(2)})
	if err != nil || !res.Accepted {
		t.Fatalf("Reserve = %+v, %v", res, err)
	}
	if res.GroupID == "" {
		t.Fatal("expected a generated group id")
	}
	h.controller.Wait()
	if len(h.gateway.Submitted()) != 0 {
		t.Fatal("Reserve must not submit")
	}
	h.assertAccount(t, 100, 18, 0)

	h.tick(t)
	h.assertStatuses(t, res.GroupID, segments.StatusSubmitted, segments.StatusReserved)
}
