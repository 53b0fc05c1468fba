package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
)

// Operation names tracked by default.
const (
	OpGatewayHandle = "gateway.handle"
	OpSchedDecide   = "sched.decide"
	OpSchedCommit   = "sched.commit"
)

// SLOTarget defines a latency and success objective for one operation.
type SLOTarget struct {
	Operation   string        `json:"operation" yaml:"operation"`
	LatencyP99  time.Duration `json:"latency_p99" yaml:"latency_p99"`
	SuccessRate float64       `json:"success_rate" yaml:"success_rate"` // 0-1
	Window      time.Duration `json:"window" yaml:"window"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	Operation        string        `json:"operation"`
	CurrentP99       time.Duration `json:"current_p99"`
	CurrentSuccess   float64       `json:"current_success_rate"`
	InCompliance     bool          `json:"in_compliance"`
	BurnRate         float64       `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64       `json:"error_budget_left"` // percentage remaining
	ObservationCount int           `json:"observation_count"`
}

// DefaultSLOTargets are the objectives for gateway calls and placement decisions.
func DefaultSLOTargets() []SLOTarget {
	return []SLOTarget{
		{Operation: OpGatewayHandle, LatencyP99: 50 * time.Millisecond, SuccessRate: 0.99, Window: time.Hour},
		{Operation: OpSchedDecide, LatencyP99: time.Millisecond, SuccessRate: 0.999, Window: time.Hour},
		{Operation: OpSchedCommit, LatencyP99: time.Millisecond, SuccessRate: 0.99, Window: time.Hour},
	}
}

// SLOTracker keeps a bounded window of observations per operation.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]SLOTarget
	observations map[string][]SLOObservation
	clk          clock.Clock
	maxPerOp     int
}

// NewSLOTracker creates a tracker holding at most maxPerOp observations per operation
// (10000 when maxPerOp <= 0).
func NewSLOTracker(clk clock.Clock, maxPerOp int) *SLOTracker {
	if maxPerOp <= 0 {
		maxPerOp = 10000
	}
	return &SLOTracker{
		targets:      make(map[string]SLOTarget),
		observations: make(map[string][]SLOObservation),
		clk:          clock.OrWall(clk),
		maxPerOp:     maxPerOp,
	}
}

// SetTarget sets the objective for target.Operation.
func (t *SLOTracker) SetTarget(target SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record adds an observation, dropping the oldest once the per-operation cap is hit.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clk.Now()
	}
	buf := append(t.observations[obs.Operation], obs)
	if len(buf) > t.maxPerOp {
		buf = buf[len(buf)-t.maxPerOp:]
	}
	t.observations[obs.Operation] = buf
}

// Status computes compliance for operation over its target window.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no SLO target for operation %q", operation)
	}

	windowStart := t.clk.Now().Add(-target.Window)
	var latencies []float64
	successes := 0
	for _, obs := range t.observations[operation] {
		if !obs.Timestamp.After(windowStart) {
			continue
		}
		latencies = append(latencies, float64(obs.Latency))
		if obs.Success {
			successes++
		}
	}

	if len(latencies) == 0 {
		return &SLOStatus{Operation: operation, InCompliance: true, ErrorBudgetLeft: 100}, nil
	}

	sort.Float64s(latencies)
	idx := int(float64(len(latencies)) * 0.99)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	p99 := time.Duration(latencies[idx])
	successRate := float64(successes) / float64(len(latencies))

	errorBudget := 1 - target.SuccessRate
	errorRate := 1 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100 * (1 - burnRate)
	} else if errorRate > 0 {
		budgetLeft = 0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= target.LatencyP99 && successRate >= target.SuccessRate,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(latencies),
	}, nil
}
