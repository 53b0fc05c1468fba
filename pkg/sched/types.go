// Package sched decides where runnable tasks execute on a multi-core node and commits
// those decisions to per-core run queues.
//
// A decision is computed without locks against the queues' published snapshots: hard
// constraints filter the cores, deadline tasks drop every core that cannot finish in
// time, and the survivors are ranked by a weighted performance, energy, thermal and
// fairness score. The migration model then decides whether moving the task off its
// current core is worth it. Only Commit touches a queue lock.
package sched

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// Unbounded marks an infinite expected benefit.
const Unbounded = time.Duration(math.MaxInt64)

var ErrInvalidWeights = errors.New("sched: invalid weights")

// Constraints are hard placement requirements.
type Constraints struct {
	RequiredTags []string          `json:"required_tags,omitempty" yaml:"required_tags"`
	AllowedCores []topology.CoreID `json:"allowed_cores,omitempty" yaml:"allowed_cores"`
	MinCapacity  float64           `json:"min_capacity,omitempty" yaml:"min_capacity"`
}

// Admits reports whether core satisfies every constraint.
func (c Constraints) Admits(core topology.Core) bool {
	if len(c.AllowedCores) > 0 && !slices.Contains(c.AllowedCores, core.ID) {
		return false
	}
	if core.Capacity < c.MinCapacity {
		return false
	}
	return core.HasTags(c.RequiredTags)
}

// TaskDescriptor describes a runnable task. EstimatedCost is measured on the reference
// core (capacity 1.0).
type TaskDescriptor struct {
	ID            string            `json:"id"`
	Deadline      time.Time         `json:"deadline,omitempty"` // zero means none
	EstimatedCost time.Duration     `json:"estimated_cost"`
	Affinity      []topology.CoreID `json:"affinity,omitempty"`
	Constraints   Constraints       `json:"constraints"`
	CurrentCore   topology.CoreID   `json:"current_core"` // topology.NoCore for a new task
	Priority      int               `json:"priority"`     // lower runs first
	WorkingSet    uint64            `json:"working_set"`  // bytes moved on migration
}

// HasDeadline reports whether the task is deadline-bound.
func (t TaskDescriptor) HasDeadline() bool { return !t.Deadline.IsZero() }

// IsNew reports whether the task is not resident on any core yet.
func (t TaskDescriptor) IsNew() bool { return t.CurrentCore == topology.NoCore }

// CoreCandidate is one scored core. Performance is a benefit score; Energy, Thermal and
// Fairness are cost scores. All four lie in [0,1].
type CoreCandidate struct {
	CoreID      topology.CoreID `json:"core_id"`
	Performance float64         `json:"performance"`
	Energy      float64         `json:"energy"`
	Thermal     float64         `json:"thermal"`
	Fairness    float64         `json:"fairness"`
	Composite   float64         `json:"composite"`
	Finish      time.Time       `json:"finish"`
}

// Decision is the outcome of Decide, consumed by Commit.
type Decision struct {
	TaskID          string          `json:"task_id"`
	Target          topology.CoreID `json:"target"`
	Preferred       topology.CoreID `json:"preferred"`
	Composite       float64         `json:"composite"` // score of Target
	ExpectedBenefit time.Duration   `json:"expected_benefit"`
	MigrationCost   time.Duration   `json:"migration_cost"`
	Local           bool            `json:"local"`
	DecidedAt       time.Time       `json:"decided_at"`
	Candidates      []CoreCandidate `json:"candidates"`
}

// Weights combine the four scores. They must be non-negative and sum to 1.
type Weights struct {
	Performance float64 `json:"performance" yaml:"performance" env:"PERFORMANCE"`
	Energy      float64 `json:"energy" yaml:"energy" env:"ENERGY"`
	Thermal     float64 `json:"thermal" yaml:"thermal" env:"THERMAL"`
	Fairness    float64 `json:"fairness" yaml:"fairness" env:"FAIRNESS"`
}

const weightSumTolerance = 1e-9

// Validate checks the weights are usable.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"performance": w.Performance,
		"energy":      w.Energy,
		"thermal":     w.Thermal,
		"fairness":    w.Fairness,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s weight %v outside [0,1]", ErrInvalidWeights, name, v)
		}
	}
	sum := w.Performance + w.Energy + w.Thermal + w.Fairness
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1", ErrInvalidWeights, sum)
	}
	return nil
}

// Composite folds a candidate's scores into one value in [0,1].
func (w Weights) Composite(c CoreCandidate) float64 {
	return w.Performance*c.Performance +
		w.Energy*(1-c.Energy) +
		w.Thermal*(1-c.Thermal) +
		w.Fairness*(1-c.Fairness)
}

// Tuning holds the engine's scoring constants.
type Tuning struct {
	TieTolerance    float64        `json:"tie_tolerance" yaml:"tie_tolerance"`
	EnergyReference float64        `json:"energy_reference" yaml:"energy_reference"` // joules mapped to an energy score of 0.5
	AffinityBonus   float64        `json:"affinity_bonus" yaml:"affinity_bonus"`
	ForecastTimeout time.Duration  `json:"forecast_timeout" yaml:"forecast_timeout"`
	Migration       MigrationModel `json:"migration" yaml:"migration"`
}

// DefaultTuning returns the stock scoring constants.
func DefaultTuning() Tuning {
	return Tuning{
		TieTolerance:    1e-9,
		EnergyReference: 0.02,
		AffinityBonus:   0.1,
		ForecastTimeout: 5 * time.Millisecond,
		Migration:       DefaultMigrationModel(),
	}
}

func durationOf(ns float64) time.Duration {
	if ns >= float64(math.MaxInt64) {
		return Unbounded
	}
	return time.Duration(ns)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
