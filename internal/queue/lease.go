package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// LeaseTable is the partition ownership table of consumer groups. A
// partition is owned by at most one live member; ownership lapses when the
// lease is not renewed within its TTL.
type LeaseTable interface {
	Heartbeat(ctx context.Context, group, member string, ttl time.Duration) error
	Leave(ctx context.Context, group, member string) error
	LiveMembers(ctx context.Context, group string) ([]string, error)
	Acquire(ctx context.Context, group string, partition int, member string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, group string, partition int, member string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, group string, partition int, member string) error
	Owner(ctx context.Context, group string, partition int) (string, error)
}

// Coordinator keeps one member's share of a group's partitions
type Coordinator struct {
	table      LeaseTable
	group      string
	member     string
	partitions int
	ttl        time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	owned map[int]struct{}
}

// NewCoordinator creates a coordinator for member in group
func NewCoordinator(table LeaseTable, group, member string, partitions int, ttl time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		table:      table,
		group:      group,
		member:     member,
		partitions: partitions,
		ttl:        ttl,
		logger:     logger,
		owned:      make(map[int]struct{}),
	}
}

// Rebalance heartbeats, renews held leases, sheds partitions above the fair
// share and picks up free ones below it. It returns the owned partitions.
func (c *Coordinator) Rebalance(ctx context.Context) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.table.Heartbeat(ctx, c.group, c.member, c.ttl); err != nil {
		return c.ownedLocked(), fmt.Errorf("failed to heartbeat: %w", err)
	}

	members, err := c.table.LiveMembers(ctx, c.group)
	if err != nil {
		return c.ownedLocked(), fmt.Errorf("failed to list members: %w", err)
	}
	if !slices.Contains(members, c.member) {
		members = append(members, c.member)
	}
	slices.Sort(members)
	share := FairShare(c.partitions, len(members))

	for p := range c.owned {
		ok, err := c.table.Renew(ctx, c.group, p, c.member, c.ttl)
		if err != nil {
			return c.ownedLocked(), fmt.Errorf("failed to renew partition %d: %w", p, err)
		}
		if !ok {
			delete(c.owned, p)
			c.logger.Warn("Partition lease lost",
				slog.String("group", c.group),
				slog.Int("partition", p),
			)
		}
	}

	for len(c.owned) > share {
		held := c.ownedLocked()
		p := held[len(held)-1]
		if err := c.table.Release(ctx, c.group, p, c.member); err != nil {
			return c.ownedLocked(), fmt.Errorf("failed to release partition %d: %w", p, err)
		}
		delete(c.owned, p)
		c.logger.Info("Partition released for rebalance",
			slog.String("group", c.group),
			slog.Int("partition", p),
			slog.Int("share", share),
		)
	}

	// Start probing at a member-specific offset so joiners do not all race
	// for partition 0
	start := slices.Index(members, c.member) * share
	for i := 0; i < c.partitions && len(c.owned) < share; i++ {
		p := (start + i) % c.partitions
		if _, ok := c.owned[p]; ok {
			continue
		}
		ok, err := c.table.Acquire(ctx, c.group, p, c.member, c.ttl)
		if err != nil {
			return c.ownedLocked(), fmt.Errorf("failed to acquire partition %d: %w", p, err)
		}
		if ok {
			c.owned[p] = struct{}{}
			c.logger.Info("Partition acquired",
				slog.String("group", c.group),
				slog.Int("partition", p),
				slog.Int("share", share),
			)
		}
	}

	return c.ownedLocked(), nil
}

// Stop releases every held lease and leaves the group
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p := range c.owned {
		if err := c.table.Release(ctx, c.group, p, c.member); err != nil {
			return fmt.Errorf("failed to release partition %d: %w", p, err)
		}
		delete(c.owned, p)
	}
	return c.table.Leave(ctx, c.group, c.member)
}

func (c *Coordinator) ownedLocked() []int {
	out := make([]int, 0, len(c.owned))
	for p := range c.owned {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// FairShare is ceil(partitions / members)
func FairShare(partitions, members int) int {
	if members <= 0 {
		return partitions
	}
	return (partitions + members - 1) / members
}

// PartitionFor maps a message key to a partition with FNV-1a
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

type memLease struct {
	member  string
	expires time.Time
}

// MemoryLeaseTable is an in-process LeaseTable
type MemoryLeaseTable struct {
	mu      sync.Mutex
	leases  map[string]map[int]memLease
	members map[string]map[string]time.Time
	now     func() time.Time
}

// NewMemoryLeaseTable creates an empty table; now defaults to time.Now
func NewMemoryLeaseTable(now func() time.Time) *MemoryLeaseTable {
	if now == nil {
		now = time.Now
	}
	return &MemoryLeaseTable{
		leases:  make(map[string]map[int]memLease),
		members: make(map[string]map[string]time.Time),
		now:     now,
	}
}

func (t *MemoryLeaseTable) group(group string) map[int]memLease {
	g, ok := t.leases[group]
	if !ok {
		g = make(map[int]memLease)
		t.leases[group] = g
	}
	return g
}

func (t *MemoryLeaseTable) Heartbeat(_ context.Context, group, member string, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[group]
	if !ok {
		m = make(map[string]time.Time)
		t.members[group] = m
	}
	m[member] = t.now().Add(ttl)
	return nil
}

func (t *MemoryLeaseTable) Leave(_ context.Context, group, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members[group], member)
	return nil
}

func (t *MemoryLeaseTable) LiveMembers(_ context.Context, group string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var out []string
	for member, expires := range t.members[group] {
		if now.Before(expires) {
			out = append(out, member)
		} else {
			delete(t.members[group], member)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (t *MemoryLeaseTable) Acquire(_ context.Context, group string, partition int, member string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	now := t.now()
	if l, ok := g[partition]; ok && now.Before(l.expires) {
		return false, nil
	}
	g[partition] = memLease{member: member, expires: now.Add(ttl)}
	return true, nil
}

func (t *MemoryLeaseTable) Renew(_ context.Context, group string, partition int, member string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	now := t.now()
	l, ok := g[partition]
	if !ok || l.member != member || !now.Before(l.expires) {
		return false, nil
	}
	g[partition] = memLease{member: member, expires: now.Add(ttl)}
	return true, nil
}

func (t *MemoryLeaseTable) Release(_ context.Context, group string, partition int, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.group(group)
	if l, ok := g[partition]; ok && l.member == member {
		delete(g, partition)
	}
	return nil
}

func (t *MemoryLeaseTable) Owner(_ context.Context, group string, partition int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.group(group)[partition]
	if !ok || !t.now().Before(l.expires) {
		return "", nil
	}
	return l.member, nil
}
