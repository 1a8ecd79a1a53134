package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// DeadLetter is a message moved to the dead-letter path of a memory queue
type DeadLetter struct {
	Body   []byte
	Reason string
}

type memMessage struct {
	body       []byte
	enqueuedAt time.Time
	deliveries int
	deadline   time.Time
}

type memQueue struct {
	ready    []*memMessage
	inflight map[uint64]*memMessage
	dead     []DeadLetter
	notify   chan struct{}
}

// MemoryBroker is an in-process queue with visibility-timeout redelivery.
// Several Clients may share one broker to model competing workers.
type MemoryBroker struct {
	mu         sync.Mutex
	visibility time.Duration
	queues     map[string]*memQueue
	nextTag    uint64
	now        func() time.Time
}

// NewMemoryBroker creates a broker hiding received messages for visibility
func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryBroker{
		visibility: visibility,
		queues:     make(map[string]*memQueue),
		now:        time.Now,
	}
}

// NewMemoryClient creates a Client over broker
func NewMemoryClient(broker *MemoryBroker, opts Options, logger *slog.Logger) *Client {
	return newClient(&memoryTransport{broker: broker}, ModeMemory, opts, logger)
}

func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{
			inflight: make(map[uint64]*memMessage),
			notify:   make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	return q
}

func (q *memQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds a raw message body, bypassing the codec
func (b *MemoryBroker) Enqueue(queue string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	q.ready = append(q.ready, &memMessage{body: append([]byte(nil), body...), enqueuedAt: b.now()})
	q.wake()
}

// DeadLetters returns the messages dead-lettered from queue
func (b *MemoryBroker) DeadLetters(queue string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.queue(queue).dead...)
}

// Pending returns ready plus in-flight message counts of queue
func (b *MemoryBroker) Pending(queue string) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(queue)
	return len(q.ready), len(q.inflight)
}

// next hands out the oldest ready message, first returning expired in-flight
// messages to the ready list
func (b *MemoryBroker) next(queue string) (uint64, *memMessage, chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	now := b.now()
	for tag, m := range q.inflight {
		if now.After(m.deadline) {
			delete(q.inflight, tag)
			q.ready = append([]*memMessage{m}, q.ready...)
		}
	}

	if len(q.ready) == 0 {
		return 0, nil, q.notify
	}

	m := q.ready[0]
	q.ready = q.ready[1:]
	b.nextTag++
	m.deliveries++
	m.deadline = now.Add(b.visibility)
	q.inflight[b.nextTag] = m
	return b.nextTag, m, q.notify
}

// settle removes tag from the in-flight set. It reports false when the
// visibility timeout already handed the message to someone else.
func (b *MemoryBroker) settle(q *memQueue, tag uint64) (*memMessage, bool) {
	m, ok := q.inflight[tag]
	if ok {
		delete(q.inflight, tag)
	}
	return m, ok
}

// release puts a message no handler has seen back at the head of the queue
// without counting the delivery
func (b *MemoryBroker) release(queue string, tag uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	if m, ok := b.settle(q, tag); ok {
		m.deliveries--
		q.ready = append([]*memMessage{m}, q.ready...)
		q.wake()
	}
}

type memoryTransport struct {
	broker *MemoryBroker
}

func (t *memoryTransport) publish(ctx context.Context, queue, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.broker.Enqueue(queue, body)
	return nil
}

func (t *memoryTransport) receive(ctx context.Context, queue string, out chan<- *delivery) error {
	poll := t.broker.visibility / 4
	if poll > 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}

	for {
		tag, m, notify := t.broker.next(queue)
		if m == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
			case <-time.After(poll):
			}
			continue
		}

		d := t.delivery(queue, tag, m)
		select {
		case out <- d:
		case <-ctx.Done():
			t.broker.release(queue, tag)
			return nil
		}
	}
}

func (t *memoryTransport) delivery(queue string, tag uint64, m *memMessage) *delivery {
	b := t.broker
	return &delivery{
		body:       m.body,
		deliveries: m.deliveries,
		ack: func(context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.settle(b.queue(queue), tag)
			return nil
		},
		retry: func(_ context.Context, body []byte) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			q := b.queue(queue)
			b.settle(q, tag)
			q.ready = append(q.ready, &memMessage{body: body, enqueuedAt: b.now()})
			q.wake()
			return nil
		},
		deadLetter: func(_ context.Context, body []byte, reason string) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			q := b.queue(queue)
			if _, ok := b.settle(q, tag); ok {
				q.dead = append(q.dead, DeadLetter{Body: body, Reason: reason})
			}
			return nil
		},
		requeue: func(context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			q := b.queue(queue)
			if msg, ok := b.settle(q, tag); ok {
				q.ready = append([]*memMessage{msg}, q.ready...)
				q.wake()
			}
			return nil
		},
	}
}

func (t *memoryTransport) depth(ctx context.Context, queue string) (domain.QueueDepthSample, error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	now := b.now()
	sample := domain.QueueDepthSample{
		Depth:     int64(len(q.ready) + len(q.inflight)),
		SampledAt: now,
	}

	var oldest time.Time
	for _, m := range q.ready {
		if oldest.IsZero() || m.enqueuedAt.Before(oldest) {
			oldest = m.enqueuedAt
		}
	}
	for _, m := range q.inflight {
		if oldest.IsZero() || m.enqueuedAt.Before(oldest) {
			oldest = m.enqueuedAt
		}
	}
	if !oldest.IsZero() {
		sample.OldestMessageAge = now.Sub(oldest)
	}
	return sample, nil
}

func (t *memoryTransport) close() error {
	return nil
}
