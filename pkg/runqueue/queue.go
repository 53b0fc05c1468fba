// Package runqueue holds the per-core run queues that scheduling decisions commit to.
//
// Each queue is serialized by its own mutex, held only while an item is enqueued or
// removed. Readers see an immutable Snapshot published after every mutation, so
// placement decisions never take a queue lock.
package runqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

var (
	ErrQueueFull   = errors.New("runqueue: queue at capacity")
	ErrQueueClosed = errors.New("runqueue: queue closed")
)

// Item is a task placed on a queue. Work is measured on the reference core.
type Item struct {
	TaskID     string        `json:"task_id"`
	Deadline   time.Time     `json:"deadline,omitempty"`
	Priority   int           `json:"priority"` // lower runs first
	Work       time.Duration `json:"work"`
	Seq        uint64        `json:"seq"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// HasDeadline reports whether the item is deadline-bound.
func (it Item) HasDeadline() bool { return !it.Deadline.IsZero() }

// before orders deadline items first by earliest deadline, then by priority, then FIFO.
func before(a, b Item) bool {
	if a.HasDeadline() != b.HasDeadline() {
		return a.HasDeadline()
	}
	if a.HasDeadline() && !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

type itemHeap []Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Queue is one core's run queue.
type Queue struct {
	core     topology.Core
	capacity int

	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	closed bool
	ready  chan struct{}

	assigned atomic.Int64 // cumulative reference work placed here, less work stolen away
	thermal  atomic.Uint64
	snap     atomic.Pointer[Snapshot]
}

// NewQueue creates a queue for core holding at most capacity items.
func NewQueue(core topology.Core, capacity int) *Queue {
	q := &Queue{core: core, capacity: capacity, ready: make(chan struct{}, 1)}
	q.publishLocked()
	return q
}

func (q *Queue) Core() topology.Core { return q.core }

// Enqueue places it on the queue and returns it with its sequence number assigned.
// A full queue is reported, never dropped.
func (q *Queue) Enqueue(ctx context.Context, it Item) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Item{}, ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return Item{}, fmt.Errorf("%w: core %d (%d/%d)", ErrQueueFull, q.core.ID, len(q.items), q.capacity)
	}
	return q.pushLocked(it), nil
}

func (q *Queue) pushLocked(it Item) Item {
	q.seq++
	it.Seq = q.seq
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = time.Now()
	}
	heap.Push(&q.items, it)
	q.assigned.Add(int64(it.Work))
	q.publishLocked()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return it
}

// Dequeue removes the head item without blocking.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	it := heap.Pop(&q.items).(Item)
	q.publishLocked()
	return it, true
}

// Next blocks until an item is available, the queue is closed or ctx is done.
func (q *Queue) Next(ctx context.Context) (Item, error) {
	for {
		if it, ok := q.Dequeue(); ok {
			return it, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Items returns the queued items in run order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// SetThermal records the core's current normalized thermal state.
func (q *Queue) SetThermal(v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.thermal.Store(floatBits(v))
	q.publishLocked()
}

// Close rejects further enqueues and wakes blocked readers once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.publishLocked()
	close(q.ready)
}

// Snapshot returns the latest published state. Never nil.
func (q *Queue) Snapshot() *Snapshot { return q.snap.Load() }

func (q *Queue) publishLocked() {
	s := &Snapshot{
		Core:     q.core.ID,
		Len:      len(q.items),
		Capacity: q.capacity,
		Closed:   q.closed,
		Assigned: time.Duration(q.assigned.Load()),
		Thermal:  bitsFloat(q.thermal.Load()),
	}
	for _, it := range q.items {
		s.TotalWork += it.Work
		if it.HasDeadline() {
			s.deadlines = append(s.deadlines, deadlineWork{deadline: it.Deadline, work: it.Work})
		}
	}
	sort.Slice(s.deadlines, func(i, j int) bool { return s.deadlines[i].deadline.Before(s.deadlines[j].deadline) })
	var cum time.Duration
	for i := range s.deadlines {
		cum += s.deadlines[i].work
		s.deadlines[i].cum = cum
	}
	q.snap.Store(s)
}
