package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/croplens/croplens/internal/queue"
)

type cmdFunc func(ctx context.Context, rdb *redis.Client, st queue.Streams, consumer string, args []string) error

func main() {
	log.SetFlags(0)

	st := queue.Streams{
		Dispatch: getenv("STREAM_DISPATCH", "jobs:dispatch"),
		Retry:    getenv("STREAM_RETRY", "jobs:retry"),
		DLQ:      getenv("STREAM_DLQ", "jobs:dlq"),
		Group:    getenv("CONSUMER_GROUP", "cg:workers"),
	}
	consumer := hostname()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	ctx := context.Background()
	rdb, err := queue.NewClient(ctx, getenv("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	handlers := map[string]cmdFunc{
		"lag":         cmdLag,
		"pending":     cmdPending,
		"claim-stuck": cmdClaimStuck,
		"requeue-dlq": cmdRequeueDLQ,
		"help": func(ctx context.Context, rdb *redis.Client, st queue.Streams, consumer string, args []string) error {
			usage()
			return nil
		},
	}
	fn, ok := handlers[cmd]
	if !ok {
		usage()
		os.Exit(2)
	}
	if err := fn(ctx, rdb, st, consumer, args); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func usage() {
	fmt.Print(`orchestrator admin cli

Usage:
  admin <command> [flags]

Commands:
  lag                         Show per-stream length, group pending, and per-consumer info
  pending     [--stream S]    List pending entries summary/details
  claim-stuck [--stream S] [--idle-ms 60000] [--count 100]
                              Claim messages idle longer than threshold to this consumer
  requeue-dlq [--count N]     Re-publish N dead-lettered pointers to the dispatch stream

Environment (with defaults):
  REDIS_URL                   (redis://localhost:6379/0)
  CONSUMER_GROUP              (cg:workers)
  STREAM_DISPATCH             (jobs:dispatch)
  STREAM_RETRY                (jobs:retry)
  STREAM_DLQ                  (jobs:dlq)
`)
}

/* -------------------- commands -------------------- */

func cmdLag(ctx context.Context, rdb *redis.Client, st queue.Streams, consumer string, args []string) error {
	for _, s := range []string{st.Dispatch, st.Retry, st.DLQ} {
		fmt.Printf("== %s ==\n", s)
		info, err := rdb.XInfoStream(ctx, s).Result()
		if err != nil {
			fmt.Printf("  (error: %v)\n", err)
			continue
		}
		fmt.Printf("  length: %d\n", info.Length)

		groups, _ := rdb.XInfoGroups(ctx, s).Result()
		for _, g := range groups {
			fmt.Printf("  group: %s  consumers=%d  pending=%d\n", g.Name, g.Consumers, g.Pending)
			cons, _ := rdb.XInfoConsumers(ctx, s, g.Name).Result()
			for _, c := range cons {
				fmt.Printf("    - consumer=%s  pending=%d  idle(ms)=%d\n", c.Name, c.Pending, c.Idle)
			}
		}
	}
	return nil
}

func cmdPending(ctx context.Context, rdb *redis.Client, st queue.Streams, consumer string, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	stream := fs.String("stream", st.Dispatch, "stream to inspect")
	limit := fs.Int("count", 50, "max items to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	summary, err := rdb.XPending(ctx, *stream, st.Group).Result()
	if err != nil {
		return err
	}
	fmt.Printf("pending summary: count=%d, min=%s, max=%s, consumers=%d\n",
		summary.Count, summary.Lower, summary.Higher, len(summary.Consumers))

	ext, err := rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: *stream, Group: st.Group, Start: "-", End: "+", Count: int64(*limit),
	}).Result()
	if err != nil {
		return err
	}
	for _, p := range ext {
		fmt.Printf("  id=%s consumer=%s idle(ms)=%d deliveries=%d\n", p.ID, p.Consumer, p.Idle, p.RetryCount)
	}
	return nil
}

func cmdClaimStuck(ctx context.Context, rdb *redis.Client, st queue.Streams, consumer string, args []string) error {
	fs := flag.NewFlagSet("claim-stuck", flag.ContinueOnError)
	stream := fs.String("stream", st.Dispatch, "stream name")
	idleMS := fs.Int("idle-ms", 60000, "min idle ms")
	count := fs.Int("count", 100, "max to claim")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bridge := queue.NewBridge(rdb, st)
	claimed, err := bridge.ClaimStale(ctx, *stream, consumer,
		time.Duration(*idleMS)*time.Millisecond, int64(*count))
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		fmt.Println("no messages over idle threshold")
		return nil
	}
	fmt.Printf("claimed %d messages to consumer=%s\n", len(claimed), consumer)
	return nil
}

// cmdRequeueDLQ re-publishes dead-lettered pointers onto the dispatch stream.
// Retry metadata is stripped: the job store decides whether the job is still
// claimable, so requeuing a DONE job is a harmless no-op.
func cmdRequeueDLQ(ctx context.Context, rdb *redis.Client, st queue.Streams, consumer string, args []string) error {
	fs := flag.NewFlagSet("requeue-dlq", flag.ContinueOnError)
	count := fs.Int("count", 50, "max items to requeue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := rdb.XRangeN(ctx, st.DLQ, "-", "+", int64(*count)).Result()
	if err != nil {
		return err
	}
	if len(res) == 0 {
		fmt.Println("DLQ is empty")
		return nil
	}

	bridge := queue.NewBridge(rdb, st)
	ok := 0
	for _, m := range res {
		raw, _ := m.Values["data"].(string)
		if raw == "" {
			continue
		}
		var msg queue.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if err := bridge.Publish(ctx, msg.TenantID, msg.JobID); err == nil {
			ok++
		}
	}
	fmt.Printf("requeued %d/%d messages from %s -> %s\n", ok, len(res), st.DLQ, st.Dispatch)
	return nil
}

/* -------------------- helpers -------------------- */

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func hostname() string {
	h, _ := os.Hostname()
	if strings.TrimSpace(h) == "" {
		return "admin"
	}
	return h
}
