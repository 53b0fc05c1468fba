package sched

import (
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// MigrationModel prices moving a task off its current core.
type MigrationModel struct {
	TransferBandwidth float64       `json:"transfer_bandwidth" yaml:"transfer_bandwidth"` // bytes per second
	CacheWarmup       time.Duration `json:"cache_warmup" yaml:"cache_warmup"`
}

// DefaultMigrationModel assumes 8 GB/s state transfer and 50µs of cache warmup.
func DefaultMigrationModel() MigrationModel {
	return MigrationModel{TransferBandwidth: 8e9, CacheWarmup: 50 * time.Microsecond}
}

// Evaluation is the cost and benefit of moving a task to a preferred core.
type Evaluation struct {
	Cost    time.Duration
	Benefit time.Duration
}

// Worthwhile reports whether the move pays for itself.
func (e Evaluation) Worthwhile() bool { return e.Cost <= e.Benefit }

// Cost returns the overhead of running task on target. It is zero for a new task and
// when target is the task's current core.
func (m MigrationModel) Cost(task TaskDescriptor, target topology.CoreID) time.Duration {
	if task.IsNew() || task.CurrentCore == target {
		return 0
	}
	cost := m.CacheWarmup
	if m.TransferBandwidth > 0 && task.WorkingSet > 0 {
		cost += durationOf(float64(task.WorkingSet) / m.TransferBandwidth * float64(time.Second))
	}
	return cost
}

// Evaluate compares the preferred candidate with the task's current core. local is nil
// when the current core cannot run the task at all, which makes any move worthwhile.
func (m MigrationModel) Evaluate(task TaskDescriptor, preferred CoreCandidate, local *CoreCandidate) Evaluation {
	ev := Evaluation{Cost: m.Cost(task, preferred.CoreID)}
	switch {
	case task.IsNew() || task.CurrentCore == preferred.CoreID:
		ev.Benefit = 0
	case local == nil:
		ev.Benefit = Unbounded
	default:
		ev.Benefit = local.Finish.Sub(preferred.Finish)
	}
	return ev
}
