package queue

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Elector is a SETNX-based leader election. Sweeps (reclaim, dispatch, gap
// healing) run on every sweeper instance but only the leader acts, so a
// deployment can run replicas for availability without duplicate sweeps.
type Elector struct {
	rdb      *redis.Client
	key      string
	ttl      time.Duration
	instance string
	isLeader atomic.Bool
	cancel   context.CancelFunc
}

func NewElector(rdb *redis.Client, key string, ttl time.Duration, instanceID string) *Elector {
	if instanceID == "" {
		instanceID = hostname()
	}
	return &Elector{rdb: rdb, key: key, ttl: ttl, instance: instanceID}
}

func (e *Elector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !e.isLeader.Load() {
				ok, err := e.rdb.SetNX(ctx, e.key, e.instance, e.ttl).Result()
				if err == nil && ok {
					e.isLeader.Store(true)
				}
			} else {
				_ = e.rdb.PExpire(ctx, e.key, e.ttl).Err()
				val, _ := e.rdb.Get(ctx, e.key).Result()
				if val != e.instance {
					e.isLeader.Store(false)
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Elector) IsLeader() bool { return e.isLeader.Load() }

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "instance"
}
