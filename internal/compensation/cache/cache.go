// Package cache keeps business info views in Redis. A circuit breaker takes Redis out
// of the read path after repeated failures; entries expire after the TTL, which bounds
// staleness when an invalidation is lost.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	"payplan/pkg/platform/circuit"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "payplan:business:"
)

type Redis struct {
	client  redis.Cmdable
	ttl     time.Duration
	prefix  string
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type Option func(*Redis)

func WithTTL(ttl time.Duration) Option {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Redis) {
		r.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Redis) {
		r.logger = logger
	}
}

func NewRedis(client redis.Cmdable, opts ...Option) *Redis {
	r := &Redis{
		client:  client,
		ttl:     defaultTTL,
		prefix:  defaultPrefix,
		breaker: circuit.New("business-cache"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(userID id.UserID) string {
	return r.prefix + userID.String()
}

// GetBusinessInfo reports a miss without touching Redis while the breaker is open.
func (r *Redis) GetBusinessInfo(ctx context.Context, userID id.UserID) (*models.BusinessInfo, bool, error) {
	if !r.breaker.Allow() {
		return nil, false, nil
	}
	raw, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.success(ctx)
		return nil, false, nil
	}
	if err != nil {
		r.failure(ctx)
		return nil, false, fmt.Errorf("get business info: %w", err)
	}
	r.success(ctx)

	var info models.BusinessInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, false, fmt.Errorf("decode business info: %w", err)
	}
	return &info, true, nil
}

func (r *Redis) SetBusinessInfo(ctx context.Context, info *models.BusinessInfo) error {
	if !r.breaker.Allow() {
		return nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode business info: %w", err)
	}
	if err := r.client.Set(ctx, r.key(info.UserID), raw, r.ttl).Err(); err != nil {
		r.failure(ctx)
		return fmt.Errorf("set business info: %w", err)
	}
	r.success(ctx)
	return nil
}

// Invalidate is attempted even while the breaker is open.
func (r *Redis) Invalidate(ctx context.Context, userIDs ...id.UserID) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, uid := range userIDs {
		keys[i] = r.key(uid)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.failure(ctx)
		return fmt.Errorf("invalidate business info: %w", err)
	}
	r.success(ctx)
	return nil
}

func (r *Redis) failure(ctx context.Context) {
	if _, change := r.breaker.RecordFailure(); change.Opened {
		r.logger.WarnContext(ctx, "cache circuit opened", "breaker", r.breaker.Name())
	}
}

func (r *Redis) success(ctx context.Context) {
	if _, change := r.breaker.RecordSuccess(); change.Closed {
		r.logger.InfoContext(ctx, "cache circuit closed", "breaker", r.breaker.Name())
	}
}
