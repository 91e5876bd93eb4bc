package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"opendrama/internal/config"
	"opendrama/internal/logging"
	"opendrama/internal/segments"
	"opendrama/internal/services"
)

const publishTimeout = 2 * time.Second

// Publisher delivers transitions to an external sink.
type Publisher interface {
	Publish(ctx context.Context, t segments.Transition) error
	Close() error
}

// Nop discards every transition.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, segments.Transition) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Redis appends transitions to a capped Redis stream.
type Redis struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedis connects to the configured Redis URL.
func NewRedis(cfg config.Events) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "events", "parse redis url", "", err)
	}
	opts.DialTimeout = publishTimeout
	opts.MaxRetries = 1
	return &Redis{
		client: redis.NewClient(opts),
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
	}, nil
}

// Publish writes t to the stream as one entry.
func (r *Redis) Publish(ctx context.Context, t segments.Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    "segment_transition",
			"group":   t.GroupID,
			"segment": strconv.FormatInt(t.SegmentID, 10),
			"status":  string(t.To),
			"data":    string(payload),
		},
	}).Err()
	if err != nil {
		return services.Wrap(services.ErrTransient, "events", "xadd", r.stream, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// New returns the Redis publisher when configured, otherwise Nop.
func New(cfg config.Events) (Publisher, error) {
	if cfg.RedisURL == "" {
		return Nop{}, nil
	}
	return NewRedis(cfg)
}

// Hook adapts pub into a segment transition hook. Failures are logged and
// swallowed.
func Hook(pub Publisher, logger *slog.Logger) segments.TransitionHook {
	logger = logging.NewComponentLogger(logger, "events")
	return func(ctx context.Context, t segments.Transition) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := pub.Publish(ctx, t); err != nil {
			logger.Warn("segment event not published",
				logging.String(logging.FieldEventType, "event_publish_failed"),
				logging.Int64(logging.FieldSegmentID, t.SegmentID),
				logging.String(logging.FieldGroupID, t.GroupID),
				logging.String("status", string(t.To)),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check events.redis_url"),
				logging.String(logging.FieldImpact, "stream consumers miss this transition"),
			)
		}
	}
}
