package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript выполняет очистку окна, подсчёт и запись одной командой.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[4]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

// RedisLimiter считает запросы скользящим окном на sorted set: каждый запрос хранится
// с отметкой времени в качестве score.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter подключается к Redis по URL и проверяет соединение.
func NewRedisLimiter(redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisLimiter{
		client: client,
		prefix: "keypool:ratelimit:",
		limit:  limit,
		window: window,
	}, nil
}

// Allow атомарно чистит окно, считает запросы и, если лимит не исчерпан,
// записывает текущий запрос.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-r.window).UnixMicro()

	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		windowStart,
		now.UnixMicro(),
		uuid.NewString(),
		r.limit,
		(r.window + time.Second).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return res == 1, nil
}

// Close закрывает соединение с Redis.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
