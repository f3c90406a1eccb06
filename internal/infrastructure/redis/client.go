package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// InitClient connects to addr and pings it. The client backs both the
// credential store and OAuth states.
func InitClient(ctx context.Context, addr string, db int) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping %s: %w", addr, err)
	}

	return redisClient, nil
}
