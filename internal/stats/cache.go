package stats

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKey = "antrean:stats:avg_service_minutes"

// CachedProvider is a read-through Redis cache in front of another Provider.
// A nil client disables caching. Redis failures fall through to the inner
// provider.
type CachedProvider struct {
	inner  Provider
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedProvider(inner Provider, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{inner: inner, client: client, ttl: ttl, logger: logger}
}

func (p *CachedProvider) AverageServiceMinutes(ctx context.Context) (float64, error) {
	if p.client == nil {
		return p.inner.AverageServiceMinutes(ctx)
	}

	raw, err := p.client.Get(ctx, cacheKey).Result()
	switch {
	case err == nil:
		if minutes, parseErr := strconv.ParseFloat(raw, 64); parseErr == nil {
			return minutes, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		p.logger.Warn("stats cache read failed", zap.Error(err))
	}

	minutes, err := p.inner.AverageServiceMinutes(ctx)
	if err != nil {
		return 0, err
	}
	if err := p.client.SetEx(ctx, cacheKey, strconv.FormatFloat(minutes, 'f', -1, 64), p.ttl).Err(); err != nil {
		p.logger.Warn("stats cache write failed", zap.Error(err))
	}
	return minutes, nil
}

// NewRedisClient connects to addr and pings it with a short timeout. It
// returns nil when addr is empty or the server does not answer.
func NewRedisClient(ctx context.Context, addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
