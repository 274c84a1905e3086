package server

import (
	"context"
	"fmt"
	"time"

	"game_channel/internal/service/redis"
)

type redisQueue struct {
	redisService *redis.RedisService
	ttl          time.Duration
}

// NewRedisQueue keeps frames for offline accounts in a redis list per
// account.
func NewRedisQueue(svc *redis.RedisService, ttl time.Duration) Queue {
	return &redisQueue{redisService: svc, ttl: ttl}
}

func queueKey(account string) string {
	return fmt.Sprintf("to: %s", account)
}

func (q *redisQueue) Push(ctx context.Context, account string, frame []byte) error {
	return q.redisService.RPush(ctx, queueKey(account), q.ttl, frame)
}

func (q *redisQueue) Drain(ctx context.Context, account string) ([][]byte, error) {
	vals, err := q.redisService.Drain(ctx, queueKey(account))
	if err != nil {
		return nil, err
	}

	res := make([][]byte, len(vals))
	for i, v := range vals {
		res[i] = []byte(v)
	}
	return res, nil
}
