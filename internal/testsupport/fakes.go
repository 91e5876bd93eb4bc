package testsupport

import (
	"context"
	"fmt"
	"sync"

	"opendrama/internal/frames"
	"opendrama/internal/provider"
)

// FakeGateway is an in-memory provider.Gateway.
type FakeGateway struct {
	mu        sync.Mutex
	submitted []provider.SubmitRequest
	results   map[string]provider.PollResult
	pollErrs  map[string]error
	polls     map[string]int
	next      int

	// SubmitErr, when set, is returned for submissions whose prompt matches
	// the key ("*" matches every prompt).
	SubmitErr map[string]error
}

// NewFakeGateway returns an empty gateway whose tasks stay pending.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		results:   make(map[string]provider.PollResult),
		pollErrs:  make(map[string]error),
		polls:     make(map[string]int),
		SubmitErr: make(map[string]error),
	}
}

// Submit records req and returns handles task-1, task-2, ...
func (g *FakeGateway) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.SubmitErr[req.Prompt]; ok {
		return "", err
	}
	if err, ok := g.SubmitErr["*"]; ok {
		return "", err
	}
	g.submitted = append(g.submitted, req)
	g.next++
	return fmt.Sprintf("task-%d", g.next), nil
}

// Poll returns the configured result, pending by default.
func (g *FakeGateway) Poll(ctx context.Context, handle string) (provider.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.PollResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls[handle]++
	if err, ok := g.pollErrs[handle]; ok {
		return provider.PollResult{}, err
	}
	if result, ok := g.results[handle]; ok {
		return result, nil
	}
	return provider.PollResult{Status: provider.StatusPending}, nil
}

// SetResult makes later polls of handle return result.
func (g *FakeGateway) SetResult(handle string, result provider.PollResult) {
	g.mu.Lock()
	g.results[handle] = result
	delete(g.pollErrs, handle)
	g.mu.Unlock()
}

// SetPollError makes later polls of handle fail with err.
func (g *FakeGateway) SetPollError(handle string, err error) {
	g.mu.Lock()
	g.pollErrs[handle] = err
	g.mu.Unlock()
}

// Submitted returns a copy of every accepted submission in order.
func (g *FakeGateway) Submitted() []provider.SubmitRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]provider.SubmitRequest, len(g.submitted))
	copy(out, g.submitted)
	return out
}

// PollCount reports how often handle was polled.
func (g *FakeGateway) PollCount(handle string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls[handle]
}

// FakeExtractor is an in-memory frames.Extractor.
type FakeExtractor struct {
	mu    sync.Mutex
	calls []string

	// Err, when set, is returned for every extraction.
	Err error
}

// Extract returns a small fake JPEG payload derived from artifactURL.
func (e *FakeExtractor) Extract(ctx context.Context, artifactURL string, _ float64) (frames.Still, error) {
	if err := ctx.Err(); err != nil {
		return frames.Still{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, artifactURL)
	if e.Err != nil {
		return frames.Still{}, e.Err
	}
	return frames.Still{
		Data:     []byte("frame:" + artifactURL),
		MIMEType: "image/jpeg",
		Width:    16,
		Height:   9,
	}, nil
}

// Calls returns the artifact URLs extracted so far.
func (e *FakeExtractor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}
