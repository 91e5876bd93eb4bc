package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"opendrama/internal/config"
	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/services"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
	maxErrorBody          = 512
)

// Client is the HTTP JSON Gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	newKey           func() string
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetry overrides the retry count and backoff delays.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithLimiter overrides the request limiter. Nil disables limiting.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a client from the provider configuration section.
func NewClient(cfg config.Provider, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		baseURL:          strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:           strings.TrimSpace(cfg.APIKey),
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logging.NewNop(),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		newKey:           uuid.NewString,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(client)
	}
	client.logger = logging.NewComponentLogger(client.logger, "provider")
	return client
}

type submitPayload struct {
	Model      string  `json:"model"`
	Resolution string  `json:"resolution"`
	Prompt     string  `json:"prompt"`
	Duration   float64 `json:"duration"`
	Seed       *int64  `json:"seed,omitempty"`
	ImageURL   string  `json:"image_url,omitempty"`
	Reference  string  `json:"reference,omitempty"`
}

type submitResponse struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

type taskResponse struct {
	Status       string          `json:"status"`
	VideoURL     string          `json:"video_url"`
	ThumbnailURL string          `json:"thumbnail_url"`
	Content      *taskContent    `json:"content"`
	Error        json.RawMessage `json:"error"`
	Message      string          `json:"message"`
}

type taskContent struct {
	VideoURL      string `json:"video_url"`
	LastFrameURL  string `json:"last_frame_url"`
	CoverImageURL string `json:"cover_image_url"`
}

// Submit starts a generation job and returns its task handle. A 4xx answer
// is a rejection; retries reuse one idempotency key.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	started := time.Now()
	handle, err := c.submit(ctx, req)
	metrics.ObserveProvider("submit", started, err)
	return handle, err
}

func (c *Client) submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := validateSubmit(req); err != nil {
		return "", err
	}
	payload := submitPayload{
		Model:      req.Model,
		Resolution: req.Resolution,
		Prompt:     req.Prompt,
		Duration:   req.DurationSec,
		Seed:       req.Seed,
		ImageURL:   req.StartImageURL,
		Reference:  req.Reference,
	}
	if req.StartImage != nil && len(req.StartImage.Data) > 0 {
		payload.ImageURL = DataURL(*req.StartImage)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("provider submit: encode body: %w", err)
	}
	key := c.newKey()

	var resp submitResponse
	if err := c.doWithRetry(ctx, "submit", func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", key)
		return httpReq, nil
	}, &resp); err != nil {
		return "", err
	}
	handle := strings.TrimSpace(resp.ID)
	if handle == "" {
		handle = strings.TrimSpace(resp.TaskID)
	}
	if handle == "" {
		return "", services.Wrap(services.ErrProviderFailed, "provider", "submit", "response carried no task id", nil)
	}
	c.logger.Debug("provider task submitted",
		logging.String(logging.FieldTaskHandle, handle),
		logging.String("model", req.Model),
		logging.String("resolution", req.Resolution),
		logging.Bool("start_image", payload.ImageURL != ""),
	)
	return handle, nil
}

// Poll reports the current state of a task.
func (c *Client) Poll(ctx context.Context, handle string) (PollResult, error) {
	started := time.Now()
	result, err := c.poll(ctx, handle)
	metrics.ObserveProvider("poll", started, err)
	return result, err
}

func (c *Client) poll(ctx context.Context, handle string) (PollResult, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return PollResult{}, services.Wrap(services.ErrValidation, "provider", "poll", "task handle required", nil)
	}
	var resp taskResponse
	if err := c.doWithRetry(ctx, "poll", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(handle), nil)
	}, &resp); err != nil {
		return PollResult{}, err
	}
	return resp.result(), nil
}

func (r taskResponse) result() PollResult {
	result := PollResult{
		Status:       NormalizeStatus(r.Status),
		ArtifactURL:  strings.TrimSpace(r.VideoURL),
		ThumbnailURL: strings.TrimSpace(r.ThumbnailURL),
	}
	if r.Content != nil {
		if result.ArtifactURL == "" {
			result.ArtifactURL = strings.TrimSpace(r.Content.VideoURL)
		}
		if result.ThumbnailURL == "" {
			result.ThumbnailURL = strings.TrimSpace(firstNonEmpty(r.Content.CoverImageURL, r.Content.LastFrameURL))
		}
	}
	if result.Status == StatusFailed {
		result.Error = firstNonEmpty(errorText(r.Error), r.Message, "provider reported failure")
	}
	if result.Status == StatusDone && result.ArtifactURL == "" {
		result.Status = StatusFailed
		result.Error = "provider reported success without a video url"
	}
	return result
}

// errorText accepts either a bare string or an object with a message.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Code != "" && obj.Message != "" {
			return obj.Code + ": " + strings.TrimSpace(obj.Message)
		}
		return firstNonEmpty(obj.Message, obj.Code)
	}
	return strings.TrimSpace(string(raw))
}

// Ping verifies the provider answers HTTP at all. Any status below 500 counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "provider", "ping", "invalid base url", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "provider", "ping", c.baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= http.StatusInternalServerError {
		return services.Wrap(services.ErrTransient, "provider", "ping", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	return nil
}

// DataURL renders img as an inline data URL.
func DataURL(img Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func validateSubmit(req SubmitRequest) error {
	switch {
	case strings.TrimSpace(req.Model) == "":
		return services.Wrap(services.ErrProviderRejected, "provider", "submit", "model required", nil)
	case strings.TrimSpace(req.Prompt) == "":
		return services.Wrap(services.ErrProviderRejected, "provider", "submit", "prompt required", nil)
	case req.DurationSec <= 0:
		return services.Wrap(services.ErrProviderRejected, "provider", "submit", "duration must be positive", nil)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func (e *httpStatusError) retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

func (c *Client) doWithRetry(ctx context.Context, op string, build func() (*http.Request, error), out any) error {
	attempts := c.retryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return classify(op, err)
			}
		}
		req, err := build()
		if err != nil {
			return services.Wrap(services.ErrConfiguration, "provider", op, "build request", err)
		}
		c.authorize(req)
		lastErr = c.doOnce(req, out)
		if lastErr == nil {
			return nil
		}
		delay, retry := c.retryDelay(ctx, lastErr, attempt, attempts)
		if !retry {
			break
		}
		c.logger.Debug("provider request retry",
			logging.String("operation", op),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(lastErr),
		)
		if err := sleep(ctx, delay); err != nil {
			return classify(op, err)
		}
	}
	return classify(op, lastErr)
}

func (c *Client) doOnce(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return &httpStatusError{StatusCode: resp.StatusCode, Body: text, RetryAfter: retryAfter}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if !statusErr.retryable() {
			return 0, false
		}
		if statusErr.RetryAfter > 0 {
			return min(statusErr.RetryAfter, c.retryMaxDelay), true
		}
		return c.backoffDelay(attempt), true
	}
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return 0, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryBaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.retryMaxDelay > 0 && delay >= c.retryMaxDelay {
			return c.retryMaxDelay
		}
	}
	return delay
}

// classify maps a transport or HTTP failure onto the services markers.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrProviderTimeout, "provider", op, "deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrProviderTimeout, "provider", op, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return services.Wrap(services.ErrTransient, "provider", op, "canceled", err)
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.retryable() {
			return services.Wrap(services.ErrTransient, "provider", op, "", err)
		}
		if op == "poll" && statusErr.StatusCode == http.StatusNotFound {
			return services.Wrap(services.ErrProviderFailed, "provider", op, "task unknown to provider", err)
		}
		return services.Wrap(services.ErrProviderRejected, "provider", op, "", err)
	}
	return services.Wrap(services.ErrTransient, "provider", op, "", err)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
