// Package cache connects the server to Redis. Redis holds soft state only
// (rate lookups fall back to Postgres when it is down), so a failed initial
// ping returns the client alongside the error and the caller decides whether
// to run degraded.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New builds a client for addr and pings it once.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 3 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("cache: ping %s: %w", addr, err)
	}
	return client, nil
}
