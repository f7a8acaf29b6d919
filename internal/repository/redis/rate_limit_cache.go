package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/client"
	"coliving-admin-auth/internal/util"
)

const (
	loginAttemptPrefix = "admin_login_attempts:"
	ipAttemptPrefix    = "admin_login_ip_attempts:"
)

// RateLimitCache holds fixed-window counters for sign-in attempts.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// IncrementLoginAttempt counts one attempt for email. The window starts at
// the first attempt and is not extended by later ones.
func (c *RateLimitCache) IncrementLoginAttempt(ctx context.Context, email string, window time.Duration) (int, error) {
	return c.increment(ctx, loginAttemptPrefix+email, window)
}

func (c *RateLimitCache) GetLoginAttempts(ctx context.Context, email string) (int, error) {
	return c.counter(ctx, loginAttemptPrefix+email)
}

func (c *RateLimitCache) ResetLoginAttempts(ctx context.Context, email string) error {
	if err := c.client.Del(ctx, loginAttemptPrefix+email); err != nil {
		util.Error("Failed to reset login attempts", zap.String("email", email), zap.Error(err))
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

// IncrementIPAttempt counts one attempt from a client address.
func (c *RateLimitCache) IncrementIPAttempt(ctx context.Context, ip string, window time.Duration) (int, error) {
	return c.increment(ctx, ipAttemptPrefix+ip, window)
}

// RetryAfter reports how long until the email's window closes.
func (c *RateLimitCache) RetryAfter(ctx context.Context, email string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, loginAttemptPrefix+email)
	if err != nil {
		return 0, fmt.Errorf("failed to read login window: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (c *RateLimitCache) increment(ctx context.Context, key string, window time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, key, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return int(count), nil
}

func (c *RateLimitCache) counter(ctx context.Context, key string) (int, error) {
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get rate limit counter: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit counter: %w", err)
	}
	return count, nil
}
