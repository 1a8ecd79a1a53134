package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// StreamOptions configure the pull transport
type StreamOptions struct {
	Prefix            string        // key prefix of every stream
	Partitions        int           // streams per logical queue
	Group             string        // consumer group name
	Consumer          string        // this worker's name inside the group
	VisibilityTimeout time.Duration // idle time after which pending messages are reclaimed
	LeaseTTL          time.Duration // partition lease lifetime
	Block             time.Duration // XREADGROUP block time
	BatchSize         int64
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.Prefix == "" {
		o.Prefix = "jobs"
	}
	if o.Partitions <= 0 {
		o.Partitions = 4
	}
	if o.Group == "" {
		o.Group = "workers"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	return o
}

// NewStreamClient creates a pull-mode Client over Redis Streams. Each queue
// is split into partitions; members of the consumer group divide the
// partitions through leases and commit with XACK after each message.
func NewStreamClient(rdb *redis.Client, leases LeaseTable, so StreamOptions, opts Options, logger *slog.Logger) *Client {
	t := &streamTransport{
		rdb:    rdb,
		leases: leases,
		opts:   so.withDefaults(),
		logger: logger,
	}
	return newClient(t, ModePull, opts, logger)
}

type streamTransport struct {
	rdb    *redis.Client
	leases LeaseTable
	opts   StreamOptions
	logger *slog.Logger

	groups sync.Map // queue -> struct{} once consumer groups exist
}

// StreamKey names partition p of queue
func StreamKey(prefix, queue string, p int) string {
	return fmt.Sprintf("%s:%s:p%d", prefix, queue, p)
}

// DeadStreamKey names the dead-letter stream of queue
func DeadStreamKey(prefix, queue string) string {
	return fmt.Sprintf("%s:%s:dead", prefix, queue)
}

func (t *streamTransport) stream(queue string, p int) string {
	return StreamKey(t.opts.Prefix, queue, p)
}

func (t *streamTransport) ensureGroups(ctx context.Context, queue string) error {
	if _, ok := t.groups.Load(queue); ok {
		return nil
	}
	for p := 0; p < t.opts.Partitions; p++ {
		err := t.rdb.XGroupCreateMkStream(ctx, t.stream(queue, p), t.opts.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}
	t.groups.Store(queue, struct{}{})
	return nil
}

func (t *streamTransport) publish(ctx context.Context, queue, key string, body []byte) error {
	if err := t.ensureGroups(ctx, queue); err != nil {
		return err
	}
	stream := t.stream(queue, PartitionFor(key, t.opts.Partitions))
	return t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"body": body},
	}).Err()
}

func (t *streamTransport) receive(ctx context.Context, queue string, out chan<- *delivery) error {
	if err := t.ensureGroups(ctx, queue); err != nil {
		return err
	}

	group := queue + ":" + t.opts.Group
	coord := NewCoordinator(t.leases, group, t.opts.Consumer, t.opts.Partitions, t.opts.LeaseTTL, t.logger)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := coord.Stop(stopCtx); err != nil {
			t.logger.Warn("Failed to release partition leases",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
	}()

	rebalanceEvery := t.opts.LeaseTTL / 3
	block := min(t.opts.Block, rebalanceEvery)
	claimEvery := t.opts.VisibilityTimeout / 2

	var (
		owned         []int
		lastRebalance time.Time
		lastClaim     = time.Now()
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastRebalance) >= rebalanceEvery {
			var err error
			if owned, err = coord.Rebalance(ctx); err != nil {
				return err
			}
			lastRebalance = time.Now()
		}

		if len(owned) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(rebalanceEvery):
			}
			continue
		}

		if time.Since(lastClaim) >= claimEvery {
			if err := t.reclaim(ctx, queue, owned, out); err != nil {
				return err
			}
			lastClaim = time.Now()
		}

		streams := make([]string, 0, 2*len(owned))
		for _, p := range owned {
			streams = append(streams, t.stream(queue, p))
		}
		for range owned {
			streams = append(streams, ">")
		}

		res, err := t.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.opts.Group,
			Consumer: t.opts.Consumer,
			Streams:  streams,
			Count:    t.opts.BatchSize,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read streams: %w", err)
		}

		for _, st := range res {
			for _, msg := range st.Messages {
				if !t.hand(ctx, queue, st.Stream, msg, 1, out) {
					return nil
				}
			}
		}
	}
}

// reclaim takes over messages idle longer than the visibility timeout on
// owned partitions; they belonged to consumers that crashed or stalled
func (t *streamTransport) reclaim(ctx context.Context, queue string, owned []int, out chan<- *delivery) error {
	for _, p := range owned {
		stream := t.stream(queue, p)
		msgs, _, err := t.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    t.opts.Group,
			Consumer: t.opts.Consumer,
			MinIdle:  t.opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    t.opts.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to reclaim pending messages: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}

		counts, err := t.deliveryCounts(ctx, stream, msgs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read delivery counts: %w", err)
		}
		t.logger.Info("Reclaimed messages past visibility timeout",
			slog.String("stream", stream),
			slog.Int("count", len(msgs)),
		)
		for _, msg := range msgs {
			// XAUTOCLAIM counts as a delivery, so a reclaimed entry was seen at least twice
			if !t.hand(ctx, queue, stream, msg, max(counts[msg.ID], 2), out) {
				return nil
			}
		}
	}
	return nil
}

// deliveryCounts reads the group's delivery counter of each entry
func (t *streamTransport) deliveryCounts(ctx context.Context, stream string, msgs []redis.XMessage) (map[string]int64, error) {
	cmds := make([]*redis.XPendingExtCmd, len(msgs))
	_, err := t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, msg := range msgs {
			cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  t.opts.Group,
				Start:  msg.ID,
				End:    msg.ID,
				Count:  1,
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	counts := make(map[string]int64, len(msgs))
	for i, cmd := range cmds {
		if pending, err := cmd.Result(); err == nil && len(pending) > 0 {
			counts[msgs[i].ID] = pending[0].RetryCount
		}
	}
	return counts, nil
}

// hand passes msg to the dispatcher; it reports false when ctx ended first.
// A message no handler saw goes back without counting the delivery.
func (t *streamTransport) hand(ctx context.Context, queue, stream string, msg redis.XMessage, count int64, out chan<- *delivery) bool {
	d := t.delivery(queue, stream, msg, count)
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		rqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		values := map[string]any{"body": d.body, deliveriesField: d.deliveries - 1}
		if err := t.move(rqCtx, stream, msg.ID, stream, values); err != nil {
			t.logger.Warn("Failed to requeue message on shutdown",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
}

// deliveriesField carries deliveries made before an entry was re-added, so
// the count survives a requeue
const deliveriesField = "deliveries"

// move atomically appends values to target and commits entry id of stream
func (t *streamTransport) move(ctx context.Context, stream, id, target string, values map[string]any) error {
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values})
		pipe.XAck(ctx, stream, t.opts.Group, id)
		return nil
	})
	return err
}

// delivery builds the delivery of msg; count is the group's delivery counter
func (t *streamTransport) delivery(queue, stream string, msg redis.XMessage, count int64) *delivery {
	var body []byte
	if v, ok := msg.Values["body"].(string); ok {
		body = []byte(v)
	}
	deliveries := int(count)
	if v, ok := msg.Values[deliveriesField].(string); ok {
		if prior, err := strconv.Atoi(v); err == nil && prior > 0 {
			deliveries += prior
		}
	}

	return &delivery{
		body:       body,
		deliveries: deliveries,
		ack: func(ctx context.Context) error {
			return t.rdb.XAck(ctx, stream, t.opts.Group, msg.ID).Err()
		},
		retry: func(ctx context.Context, next []byte) error {
			return t.move(ctx, stream, msg.ID, stream, map[string]any{"body": next})
		},
		deadLetter: func(ctx context.Context, dead []byte, reason string) error {
			return t.move(ctx, stream, msg.ID, DeadStreamKey(t.opts.Prefix, queue), map[string]any{
				"body":   dead,
				"reason": reason,
				"source": stream,
			})
		},
		requeue: func(ctx context.Context) error {
			return t.move(ctx, stream, msg.ID, stream, map[string]any{"body": body, deliveriesField: deliveries})
		},
	}
}

// depth sums lag and pending entries over every partition; the oldest age is
// read from the lowest pending ID or the first undelivered entry
func (t *streamTransport) depth(ctx context.Context, queue string) (domain.QueueDepthSample, error) {
	now := time.Now()
	sample := domain.QueueDepthSample{SampledAt: now}

	var oldest time.Time
	for p := 0; p < t.opts.Partitions; p++ {
		stream := t.stream(queue, p)
		groups, err := t.rdb.XInfoGroups(ctx, stream).Result()
		if err != nil {
			if isNoSuchKey(err) {
				continue
			}
			return sample, fmt.Errorf("failed to inspect %s: %w", stream, err)
		}

		for _, g := range groups {
			if g.Name != t.opts.Group {
				continue
			}
			lag := max(g.Lag, 0)
			sample.Depth += g.Pending + lag

			var first string
			if g.Pending > 0 {
				pending, err := t.rdb.XPending(ctx, stream, t.opts.Group).Result()
				if err != nil {
					return sample, fmt.Errorf("failed to read pending of %s: %w", stream, err)
				}
				first = pending.Lower
			} else if lag > 0 {
				msgs, err := t.rdb.XRangeN(ctx, stream, "("+g.LastDeliveredID, "+", 1).Result()
				if err != nil {
					return sample, fmt.Errorf("failed to read %s: %w", stream, err)
				}
				if len(msgs) > 0 {
					first = msgs[0].ID
				}
			}

			if ts, ok := StreamIDTime(first); ok && (oldest.IsZero() || ts.Before(oldest)) {
				oldest = ts
			}
		}
	}

	if !oldest.IsZero() {
		sample.OldestMessageAge = max(now.Sub(oldest), 0)
	}
	return sample, nil
}

func (t *streamTransport) close() error {
	return nil
}

// StreamIDTime returns the creation time encoded in a stream entry ID
func StreamIDTime(id string) (time.Time, bool) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}

func isNoSuchKey(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such key")
}
