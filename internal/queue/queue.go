// Package queue limits how many transfers run at the same time across the
// process.
package queue

import (
	"context"
	"sync"

	"github.com/yarkm13/skiff/internal/logging"
	"github.com/yarkm13/skiff/internal/metrics"
)

// Member is a transfer managed by the coordinator.
type Member interface {
	Name() string
	IsCanceled() bool
}

// Coordinator is the admission control shared by every transfer of one
// process. Members that started count as running; those blocked in Wait
// also count as queued.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond
	max  int

	members []Member
	running map[Member]struct{}
	queued  map[Member]struct{}
}

// New creates a coordinator admitting max concurrent transfers.
func New(max int) *Coordinator {
	c := &Coordinator{
		max:     max,
		running: make(map[Member]struct{}),
		queued:  make(map[Member]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Add puts m into the managed collection.
func (c *Coordinator) Add(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.members {
		if existing == m {
			return
		}
	}
	c.members = append(c.members, m)
}

// Remove drops m from the managed collection. A running member keeps its
// slot until it finishes.
func (c *Coordinator) Remove(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.members {
		if existing == m {
			c.members = append(c.members[:i:i], c.members[i+1:]...)
			return
		}
	}
}

// Members returns the managed collection in insertion order.
func (c *Coordinator) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Member(nil), c.members...)
}

// Max returns the concurrency ceiling.
func (c *Coordinator) Max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// SetMax changes the ceiling and wakes every waiting member.
func (c *Coordinator) SetMax(max int) {
	c.mu.Lock()
	c.max = max
	c.mu.Unlock()
	c.Notify()
}

// Running returns the number of started members, queued ones included.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Queued returns the number of members blocked in Wait.
func (c *Coordinator) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued)
}

// Start marks m as running.
func (c *Coordinator) Start(m Member) {
	c.mu.Lock()
	c.running[m] = struct{}{}
	c.occupancy()
	c.mu.Unlock()
}

// Finish releases the slot held by m and wakes the waiters.
func (c *Coordinator) Finish(m Member) {
	c.mu.Lock()
	delete(c.running, m)
	delete(c.queued, m)
	c.occupancy()
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Notify wakes every waiting member so it re-checks its condition.
func (c *Coordinator) Notify() {
	c.mu.Lock()
	c.mu.Unlock()
	c.cond.Broadcast()
}

// saturated must be called with c.mu held.
func (c *Coordinator) saturated(m Member) bool {
	self := 1
	if _, ok := c.queued[m]; ok {
		self = 0
	}
	return len(c.running)-len(c.queued)-self >= c.max
}

// Wait blocks until m may run, m is canceled or ctx is done. The first
// time m has to wait, paused is called without the lock held. Wait
// reports whether m was queued at all.
func (c *Coordinator) Wait(ctx context.Context, m Member, paused func()) bool {
	stop := context.AfterFunc(ctx, c.Notify)
	defer stop()

	c.mu.Lock()
	for !m.IsCanceled() && ctx.Err() == nil && c.saturated(m) {
		if _, ok := c.queued[m]; !ok {
			c.queued[m] = struct{}{}
			c.occupancy()
			logging.Info("Queuing transfer", logging.String("transfer", m.Name()))
			c.mu.Unlock()
			if paused != nil {
				paused()
			}
			c.mu.Lock()
			continue
		}
		c.cond.Wait()
	}
	_, wasQueued := c.queued[m]
	delete(c.queued, m)
	c.occupancy()
	c.mu.Unlock()
	if wasQueued {
		logging.Info("Transfer released from queue", logging.String("transfer", m.Name()))
	}
	return wasQueued
}

func (c *Coordinator) occupancy() {
	metrics.SetQueueOccupancy(len(c.running)-len(c.queued), len(c.queued))
}
