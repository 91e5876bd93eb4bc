package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"opendrama/internal/config"
	"opendrama/internal/provider"
	"opendrama/internal/services"
)

func newClient(url string, opts ...provider.Option) *provider.Client {
	cfg := config.Provider{BaseURL: url, APIKey: "secret", TimeoutSeconds: 5}
	opts = append([]provider.Option{provider.WithRetry(3, time.Millisecond, 5*time.Millisecond)}, opts...)
	return provider.NewClient(cfg, opts...)
}

func sampleRequest() provider.SubmitRequest {
	return provider.SubmitRequest{
		Model:       "seedance-1-lite",
		Resolution:  "720p",
		Prompt:      "waves on a cliff",
		DurationSec: 5,
		Reference:   "ep-1#0",
	}
}

func TestSubmitSendsAuthenticatedRequest(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing idempotency key")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-42"})
	}))
	defer server.Close()

	req := sampleRequest()
	req.StartImage = &provider.Image{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"}
	handle, err := newClient(server.URL).Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if handle != "task-42" {
		t.Fatalf("unexpected handle %q", handle)
	}
	if got["model"] != "seedance-1-lite" || got["duration"] != float64(5) {
		t.Fatalf("unexpected payload: %v", got)
	}
	image, _ := got["image_url"].(string)
	if !strings.HasPrefix(image, "data:image/jpeg;base64,") {
		t.Fatalf("expected inline start image, got %q", image)
	}
}

func TestSubmitRejectionIsNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"prompt violates policy"}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL).Submit(context.Background(), sampleRequest())
	if !errors.Is(err, services.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if !strings.Contains(err.Error(), "prompt violates policy") {
		t.Fatalf("expected provider message in error, got %v", err)
	}
}

func TestSubmitRetriesServerErrorsWithSameKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		attempt := len(keys)
		mu.Unlock()
		if attempt == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-7"})
	}))
	defer server.Close()

	handle, err := newClient(server.URL).Submit(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if handle != "task-7" {
		t.Fatalf("unexpected handle %q", handle)
	}
	if len(keys) != 2 || keys[0] != keys[1] {
		t.Fatalf("expected two attempts with one key, got %v", keys)
	}
}

func TestSubmitWithoutTaskIDFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL).Submit(context.Background(), sampleRequest())
	if !errors.Is(err, services.ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed, got %v", err)
	}
}

func TestSubmitValidatesLocally(t *testing.T) {
	req := sampleRequest()
	req.Prompt = " "
	_, err := newClient("http://provider.invalid").Submit(context.Background(), req)
	if !errors.Is(err, services.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
}

func TestPollMapsProviderStates(t *testing.T) {
	responses := map[string]string{
		"queued":  `{"status":"queued"}`,
		"running": `{"status":"running"}`,
		"done":    `{"status":"succeeded","content":{"video_url":"https://cdn.example/v.mp4","cover_image_url":"https://cdn.example/c.jpg"}}`,
		"failed":  `{"status":"failed","error":{"code":"OutputVideoSensitive","message":"blocked"}}`,
		"empty":   `{"status":"succeeded"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle := strings.TrimPrefix(r.URL.Path, "/tasks/")
		body, ok := responses[handle]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := newClient(server.URL)
	tests := []struct {
		handle string
		status provider.Status
		check  func(provider.PollResult) bool
	}{
		{"queued", provider.StatusPending, nil},
		{"running", provider.StatusRunning, nil},
		{"done", provider.StatusDone, func(r provider.PollResult) bool {
			return r.ArtifactURL == "https://cdn.example/v.mp4" && r.ThumbnailURL == "https://cdn.example/c.jpg"
		}},
		{"failed", provider.StatusFailed, func(r provider.PollResult) bool {
			return r.Error == "OutputVideoSensitive: blocked"
		}},
		{"empty", provider.StatusFailed, func(r provider.PollResult) bool { return r.Error != "" }},
	}
	for _, tt := range tests {
		t.Run(tt.handle, func(t *testing.T) {
			result, err := client.Poll(context.Background(), tt.handle)
			if err != nil {
				t.Fatalf("Poll returned error: %v", err)
			}
			if result.Status != tt.status {
				t.Fatalf("unexpected status %q", result.Status)
			}
			if tt.check != nil && !tt.check(result) {
				t.Fatalf("unexpected result: %+v", result)
			}
		})
	}

	if _, err := client.Poll(context.Background(), "missing"); !errors.Is(err, services.ErrProviderFailed) {
		t.Fatalf("expected ErrProviderFailed for unknown task, got %v", err)
	}
}

func TestPollTimeoutIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := newClient(server.URL,
		provider.WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
		provider.WithRetry(1, 0, 0),
	)
	_, err := client.Poll(context.Background(), "slow")
	if !errors.Is(err, services.ErrProviderTimeout) {
		t.Fatalf("expected ErrProviderTimeout, got %v", err)
	}
}

func TestPollServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Poll(context.Background(), "t")
	if !errors.Is(err, services.ErrTransient) || !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]provider.Status{
		"Succeeded":   provider.StatusDone,
		"processing":  provider.StatusRunning,
		"cancelled":   provider.StatusFailed,
		"":            provider.StatusPending,
		"mystery":     provider.StatusPending,
		"in_progress": provider.StatusRunning,
	}
	for raw, want := range cases {
		if got := provider.NormalizeStatus(raw); got != want {
			t.Fatalf("NormalizeStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}
