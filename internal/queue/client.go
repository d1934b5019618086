// Package queue is the dispatch bridge: a thin layer over Redis Streams that
// moves pointer messages (tenant_id, job_id) between the enqueue path and the
// worker claim loop. All real state lives in the job store, so replays and
// duplicate deliveries are cheap.
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient dials Redis, retrying with exponential backoff until the context
// is cancelled. Workers and sweepers start before Redis in most deployments;
// failing fast here would just turn into crash loops.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		return rdb, nil
	}
}
