package runqueue

import (
	"container/heap"
	"context"
	"fmt"
	"slices"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// Set holds one queue per core. The set itself is immutable after construction.
type Set struct {
	ids    []topology.CoreID
	queues map[topology.CoreID]*Queue
}

// NewSet creates a queue of the given capacity for every core.
func NewSet(cores []topology.Core, capacity int) (*Set, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("runqueue: capacity must be positive, got %d", capacity)
	}
	s := &Set{queues: make(map[topology.CoreID]*Queue, len(cores))}
	for _, c := range cores {
		if _, dup := s.queues[c.ID]; dup {
			return nil, fmt.Errorf("runqueue: duplicate core %d", c.ID)
		}
		s.queues[c.ID] = NewQueue(c, capacity)
		s.ids = append(s.ids, c.ID)
	}
	slices.Sort(s.ids)
	return s, nil
}

// Queue returns the queue for id.
func (s *Set) Queue(id topology.CoreID) (*Queue, bool) {
	q, ok := s.queues[id]
	return q, ok
}

// IDs returns the core ids in ascending order.
func (s *Set) IDs() []topology.CoreID { return slices.Clone(s.ids) }

// Snapshots returns the current snapshot of every queue.
func (s *Set) Snapshots() map[topology.CoreID]*Snapshot {
	out := make(map[topology.CoreID]*Snapshot, len(s.queues))
	for id, q := range s.queues {
		out[id] = q.Snapshot()
	}
	return out
}

// Close closes every queue.
func (s *Set) Close() {
	for _, q := range s.queues {
		q.Close()
	}
}

// Steal moves one item to thief from the busiest other queue (ties to the lowest core
// id). The least urgent item accepted by eligible is taken. It reports false when no
// item could be moved.
func (s *Set) Steal(ctx context.Context, thief topology.CoreID, eligible func(Item) bool) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	dst, ok := s.queues[thief]
	if !ok {
		return Item{}, false, fmt.Errorf("runqueue: unknown core %d", thief)
	}

	var victim *Queue
	best := 0
	for _, id := range s.ids {
		if id == thief {
			continue
		}
		if n := s.queues[id].Snapshot().Len; n > best {
			victim, best = s.queues[id], n
		}
	}
	if victim == nil {
		return Item{}, false, nil
	}

	first, second := victim, dst
	if dst.core.ID < victim.core.ID {
		first, second = dst, victim
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if dst.closed {
		return Item{}, false, ErrQueueClosed
	}
	if len(dst.items) >= dst.capacity {
		return Item{}, false, ErrQueueFull
	}

	idx := -1
	for i, it := range victim.items {
		if eligible != nil && !eligible(it) {
			continue
		}
		if idx < 0 || before(victim.items[idx], it) {
			idx = i
		}
	}
	if idx < 0 {
		return Item{}, false, nil
	}
	it := heap.Remove(&victim.items, idx).(Item)
	// The work's share moves with it; pushLocked credits dst.
	victim.assigned.Add(-int64(it.Work))
	victim.publishLocked()
	return dst.pushLocked(it), true, nil
}
