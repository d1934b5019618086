package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Streams names the three streams the orchestrator uses: fresh dispatches,
// deferred retries, and a dead-letter stream for terminally failed jobs.
type Streams struct {
	Dispatch string
	Retry    string
	DLQ      string
	Group    string
}

// Message is the pointer published for a job. Fields beyond (tenant_id,
// job_id) are transport metadata for the retry stream and ops tooling; the
// job store stays the source of truth.
type Message struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	JobID         uuid.UUID `json:"job_id"`
	AvailableAtMS int64     `json:"available_at_ms,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Delivery is one received stream entry plus its decoded message.
type Delivery struct {
	Stream string
	ID     string
	Msg    Message
}

// Bridge publishes and consumes pointer messages. It carries no business
// logic; publish must only be called after the job row is durably committed.
type Bridge struct {
	RDB     *redis.Client
	Streams Streams
}

func NewBridge(rdb *redis.Client, streams Streams) *Bridge {
	return &Bridge{RDB: rdb, Streams: streams}
}

// EnsureGroups creates the consumer group on each stream if missing.
func (b *Bridge) EnsureGroups(ctx context.Context) error {
	for _, stream := range []string{b.Streams.Dispatch, b.Streams.Retry} {
		err := b.RDB.XGroupCreateMkStream(ctx, stream, b.Streams.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return err
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	// go-redis v9 does not export a sentinel for this; detect BUSYGROUP manually.
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Publish puts a fresh pointer on the dispatch stream.
func (b *Bridge) Publish(ctx context.Context, tenantID, jobID uuid.UUID) error {
	return b.add(ctx, b.Streams.Dispatch, Message{TenantID: tenantID, JobID: jobID})
}

// PublishRetry defers a pointer until availableAt; consumers re-add and ack
// entries that arrive before their due time.
func (b *Bridge) PublishRetry(ctx context.Context, msg Message, availableAt time.Time) error {
	msg.AvailableAtMS = availableAt.UnixMilli()
	return b.add(ctx, b.Streams.Retry, msg)
}

// PublishDLQ records a terminally failed job for ops tooling. The FAILED row
// in the job store is authoritative; this is a convenience copy.
func (b *Bridge) PublishDLQ(ctx context.Context, msg Message, errText string) error {
	msg.Error = errText
	return b.add(ctx, b.Streams.DLQ, msg)
}

func (b *Bridge) add(ctx context.Context, stream string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.RDB.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{"data": string(data)},
	}).Err()
}

// ReadBatch blocks up to block for new entries on the given streams for this
// consumer. Entries with undecodable payloads are returned with a zero Msg so
// the caller can ack them away.
func (b *Bridge) ReadBatch(ctx context.Context, consumer string, count int64, block time.Duration, streams ...string) ([]Delivery, error) {
	ids := make([]string, 0, len(streams)*2)
	ids = append(ids, streams...)
	for range streams {
		ids = append(ids, ">")
	}
	res, err := b.RDB.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.Streams.Group,
		Consumer: consumer,
		Streams:  ids,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []Delivery
	for _, s := range res {
		for _, m := range s.Messages {
			d := Delivery{Stream: s.Stream, ID: m.ID}
			if raw, ok := m.Values["data"].(string); ok && raw != "" {
				_ = json.Unmarshal([]byte(raw), &d.Msg)
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (b *Bridge) Ack(ctx context.Context, stream string, ids ...string) error {
	return b.RDB.XAck(ctx, stream, b.Streams.Group, ids...).Err()
}

// ClaimStale transfers entries pending longer than idleFor to this consumer.
// Used by ops tooling when a worker dies holding unacked deliveries.
func (b *Bridge) ClaimStale(ctx context.Context, stream, consumer string, idleFor time.Duration, count int64) ([]Delivery, error) {
	pending, err := b.RDB.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: b.Streams.Group, Start: "-", End: "+", Count: count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= idleFor {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := b.RDB.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    b.Streams.Group,
		Consumer: consumer,
		MinIdle:  idleFor,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []Delivery
	for _, m := range claimed {
		d := Delivery{Stream: stream, ID: m.ID}
		if raw, ok := m.Values["data"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &d.Msg)
		}
		out = append(out, d)
	}
	return out, nil
}
