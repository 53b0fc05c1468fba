package runqueue

import (
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// Snapshot is an immutable view of a queue at one point in time.
type Snapshot struct {
	Core      topology.CoreID
	Len       int
	Capacity  int
	Closed    bool
	TotalWork time.Duration // reference work currently queued
	Assigned  time.Duration // reference work ever placed here, net of steals
	Thermal   float64

	deadlines []deadlineWork // sorted by deadline, cum is the prefix sum
}

type deadlineWork struct {
	deadline time.Time
	work     time.Duration
	cum      time.Duration
}

// Full reports whether an enqueue would be rejected.
func (s *Snapshot) Full() bool { return s.Closed || s.Len >= s.Capacity }

// WorkAhead returns the queued reference work that runs before a new item with the
// given deadline. Under EDF that is every deadline item due no later than it; an item
// with no deadline waits behind everything queued.
func (s *Snapshot) WorkAhead(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return s.TotalWork
	}
	i := sort.Search(len(s.deadlines), func(i int) bool { return s.deadlines[i].deadline.After(deadline) })
	if i == 0 {
		return 0
	}
	return s.deadlines[i-1].cum
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }
