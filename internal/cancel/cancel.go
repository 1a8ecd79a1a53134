// Package cancel broadcasts job cancellations to every worker and aborts the
// deliveries running locally.
package cancel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// Bus carries cancellation requests between processes
type Bus interface {
	Publish(ctx context.Context, jobID uuid.UUID) error
	// Subscribe calls fn for every request until ctx is done
	Subscribe(ctx context.Context, fn func(jobID uuid.UUID)) error
}

// RedisBus is a Bus over a Redis Pub/Sub channel
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBus creates a bus on channel
func NewRedisBus(rdb *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = "jobs:cancel"
	}
	return &RedisBus{rdb: rdb, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, jobID uuid.UUID) error {
	if err := b.rdb.Publish(ctx, b.channel, jobID.String()).Err(); err != nil {
		return fmt.Errorf("failed to publish cancellation: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(jobID uuid.UUID)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reading messages
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, err := uuid.Parse(msg.Payload)
			if err != nil {
				b.logger.Warn("Ignoring malformed cancellation",
					slog.String("payload", msg.Payload),
					slog.String("error", err.Error()),
				)
				continue
			}
			fn(id)
		}
	}
}

// MemoryBus is an in-process Bus
type MemoryBus struct {
	mu   sync.Mutex
	subs map[chan uuid.UUID]struct{}
}

// NewMemoryBus creates a bus with no subscribers
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[chan uuid.UUID]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, jobID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- jobID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, fn func(jobID uuid.UUID)) error {
	ch := make(chan uuid.UUID, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-ch:
			fn(id)
		}
	}
}

// Subscribers reports how many subscriptions are active
func (b *MemoryBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Registry maps job IDs to the contexts of running deliveries. Cancelled IDs
// are remembered for a while so deliveries registering late (sub-jobs still
// queued when the parent was cancelled) start out cancelled.
type Registry struct {
	mu        sync.Mutex
	running   map[uuid.UUID]map[*entry]struct{}
	cancelled map[uuid.UUID]time.Time
	ttl       time.Duration
	now       func() time.Time
}

type entry struct {
	cancel context.CancelCauseFunc
}

// NewRegistry creates a registry remembering cancellations for ttl
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		running:   make(map[uuid.UUID]map[*entry]struct{}),
		cancelled: make(map[uuid.UUID]time.Time),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Register derives a context cancelled with domain.ErrCancelled when any of
// ids is cancelled. release must be called once the delivery is done.
func (r *Registry) Register(ctx context.Context, ids ...uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	e := &entry{cancel: cancel}

	r.mu.Lock()
	r.expireLocked()
	dead := false
	for _, id := range ids {
		if _, ok := r.cancelled[id]; ok {
			dead = true
		}
		set, ok := r.running[id]
		if !ok {
			set = make(map[*entry]struct{})
			r.running[id] = set
		}
		set[e] = struct{}{}
	}
	r.mu.Unlock()

	if dead {
		cancel(domain.ErrCancelled)
	}

	release := func() {
		r.mu.Lock()
		for _, id := range ids {
			if set, ok := r.running[id]; ok {
				delete(set, e)
				if len(set) == 0 {
					delete(r.running, id)
				}
			}
		}
		r.mu.Unlock()
		cancel(context.Canceled)
	}
	return ctx, release
}

// Cancel aborts every delivery registered under jobID and returns how many
// were running
func (r *Registry) Cancel(jobID uuid.UUID) int {
	r.mu.Lock()
	r.expireLocked()
	r.cancelled[jobID] = r.now()
	entries := make([]*entry, 0, len(r.running[jobID]))
	for e := range r.running[jobID] {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel(domain.ErrCancelled)
	}
	return len(entries)
}

// Running reports how many deliveries are registered under jobID
func (r *Registry) Running(jobID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running[jobID])
}

func (r *Registry) expireLocked() {
	now := r.now()
	for id, at := range r.cancelled {
		if now.Sub(at) > r.ttl {
			delete(r.cancelled, id)
		}
	}
}
