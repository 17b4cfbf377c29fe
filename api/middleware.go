package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"sam3web/config"
)

func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthEnable {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondError(c, http.StatusUnauthorized, CodeUnauthorized, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid Authorization header format")
			return
		}

		if parts[1] != cfg.AuthKey {
			respondError(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid token")
			return
		}

		c.Next()
	}
}

// RateLimiter counts requests per client in Redis. A nil limiter, or one
// whose Redis is unreachable, lets every request through.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// NewRateLimiterFromConfig returns nil when no Redis address is configured.
func NewRateLimiterFromConfig(cfg *config.Config) *RateLimiter {
	if cfg.RateLimitRedisAddr == "" || cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RateLimitRedisAddr,
		DialTimeout: 2 * time.Second,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		logrus.WithError(err).WithField("addr", cfg.RateLimitRedisAddr).Warn("rate limit redis not available")
	}
	return NewRateLimiter(client)
}

func (rl *RateLimiter) Close() error {
	if rl == nil || rl.redis == nil {
		return nil
	}
	return rl.redis.Close()
}

// Limit allows maxRequests per window for each client IP.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil || rl.redis == nil {
			c.Next()
			return
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, c.ClientIP())
		ctx := c.Request.Context()

		var incr *redis.IntCmd
		var ttlCmd *redis.DurationCmd
		_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			ttlCmd = pipe.TTL(ctx, key)
			return nil
		})
		if err != nil {
			logrus.WithError(err).Warn("rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		count, ttl := incr.Val(), ttlCmd.Val()

		// A counter without expiry would block the client forever. Any
		// request that finds one sets it, so a failed EXPIRE heals on the
		// next call.
		if ttl < 0 {
			ttl = window
			if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
				logrus.WithError(err).WithField("key", key).Warn("could not set rate limit window")
			}
		}

		if count > int64(maxRequests) {
			c.Header("Retry-After", fmt.Sprintf("%d", int((ttl+time.Second-1)/time.Second)))
			respondError(c, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded")
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))
		c.Next()
	}
}
