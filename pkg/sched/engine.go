package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/forecast"
	"github.com/Mindburn-Labs/capkernel/pkg/observability"
	"github.com/Mindburn-Labs/capkernel/pkg/runqueue"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// Infeasibility details.
const (
	ReasonNoEligibleCore = "no_eligible_core"
	ReasonDeadline       = "deadline_unmet"
)

// Engine computes placement decisions.
type Engine struct {
	queues     *runqueue.Set
	forecaster forecast.Provider
	weights    Weights
	tuning     Tuning
	clk        clock.Clock
	logger     *slog.Logger
	obs        *observability.Provider
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithTuning(t Tuning) EngineOption {
	return func(e *Engine) { e.tuning = t }
}

func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clk = clock.OrWall(c) }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.With("component", "sched")
		}
	}
}

// WithObservability emits a span and RED metrics per decision.
func WithObservability(p *observability.Provider) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.obs = p
		}
	}
}

// NewEngine creates an engine over queues. A nil forecaster means every core gets the
// neutral profile.
func NewEngine(queues *runqueue.Set, forecaster forecast.Provider, weights Weights, opts ...EngineOption) (*Engine, error) {
	if queues == nil {
		return nil, errors.New("sched: run queues are required")
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if forecaster == nil {
		forecaster = forecast.NeutralProvider{}
	}
	e := &Engine{
		queues:     queues,
		forecaster: forecaster,
		weights:    weights,
		tuning:     DefaultTuning(),
		clk:        clock.Wall{},
		logger:     slog.Default().With("component", "sched"),
		obs:        observability.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Weights() Weights { return e.weights }

// Migration returns the engine's migration cost model.
func (e *Engine) Migration() MigrationModel { return e.tuning.Migration }

// Decide picks the core task should run on.
//
// Errors are *errorir.Error: InvalidParameters for a malformed task,
// SchedulingInfeasible when no core satisfies the constraints or the deadline, and
// Timeout when ctx ends while a forecast is pending.
func (e *Engine) Decide(ctx context.Context, task TaskDescriptor) (Decision, error) {
	ctx, done := e.obs.TrackOperation(ctx, observability.OpSchedDecide, observability.AttrTaskID.String(task.ID))
	d, err := e.decide(ctx, task)
	if err == nil {
		observability.DecisionOutcome(ctx, int(d.Target), d.Local, len(d.Candidates))
	}
	done(err)
	return d, err
}

type scoredCore struct {
	core    topology.Core
	snap    *runqueue.Snapshot
	profile forecast.Profile
	exec    time.Duration
	delay   time.Duration // queue wait plus execution, saturating
	delayNs float64
	finish  time.Time
}

func (e *Engine) decide(ctx context.Context, task TaskDescriptor) (Decision, error) {
	const op = "sched.decide"
	if task.ID == "" {
		return Decision{}, errorir.New(errorir.CodeInvalidParameters, op, "missing_task_id")
	}
	if task.EstimatedCost <= 0 {
		return Decision{}, errorir.New(errorir.CodeInvalidParameters, op, "non_positive_cost")
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, errorir.Wrap(errorir.CodeTimeout, op, err)
	}

	now := e.clk.Now()
	var eligible []scoredCore
	for _, id := range e.queues.IDs() {
		q, _ := e.queues.Queue(id)
		snap := q.Snapshot()
		core := q.Core()
		if snap.Closed || core.Capacity <= 0 || !task.Constraints.Admits(core) {
			continue
		}
		eligible = append(eligible, scoredCore{core: core, snap: snap})
	}
	if len(eligible) == 0 {
		return Decision{}, errorir.New(errorir.CodeSchedulingInfeasible, op, ReasonNoEligibleCore)
	}

	for i := range eligible {
		p, err := e.forecast(ctx, task, eligible[i].core.ID)
		if err != nil {
			return Decision{}, errorir.Wrap(errorir.CodeTimeout, op, err)
		}
		c := &eligible[i]
		c.profile = p
		execNs := float64(task.EstimatedCost) / c.core.Capacity * p.LoadFactor
		c.delayNs = float64(c.snap.WorkAhead(task.Deadline))/c.core.Capacity + execNs
		c.exec = durationOf(execNs)
		c.delay = durationOf(c.delayNs)
		c.finish = now.Add(c.delay)
	}

	var totalAssigned time.Duration
	var totalCapacity float64
	for _, c := range eligible {
		totalAssigned += c.snap.Assigned
		totalCapacity += c.core.Capacity
	}

	var (
		candidates []CoreCandidate
		local      *CoreCandidate
	)
	for _, c := range eligible {
		// Compared in float64 so an oversized cost cannot wrap into the past.
		if task.HasDeadline() && c.delayNs > float64(task.Deadline.Sub(now)) {
			continue
		}
		cand := e.score(task, c, totalAssigned, totalCapacity)
		candidates = append(candidates, cand)
	}
	if len(candidates) == 0 {
		return Decision{}, errorir.New(errorir.CodeSchedulingInfeasible, op, ReasonDeadline)
	}
	slices.SortFunc(candidates, func(a, b CoreCandidate) int { return int(a.CoreID) - int(b.CoreID) })

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Composite > best.Composite+e.tuning.TieTolerance {
			best = c
		}
	}
	for i := range candidates {
		if candidates[i].CoreID == task.CurrentCore {
			local = &candidates[i]
		}
	}

	d := Decision{
		TaskID:     task.ID,
		Target:     best.CoreID,
		Preferred:  best.CoreID,
		Composite:  best.Composite,
		DecidedAt:  now,
		Candidates: candidates,
	}
	ev := e.tuning.Migration.Evaluate(task, best, local)
	d.MigrationCost = ev.Cost
	d.ExpectedBenefit = ev.Benefit
	switch {
	case task.IsNew() || best.CoreID == task.CurrentCore:
		d.Local = true
	case !ev.Worthwhile():
		d.Target = task.CurrentCore
		d.Composite = local.Composite
		d.Local = true
	}

	e.logger.DebugContext(ctx, "placement decided",
		"task", task.ID,
		"target", d.Target,
		"preferred", d.Preferred,
		"local", d.Local,
		"composite", d.Composite,
		"migration_cost", d.MigrationCost,
		"candidates", len(candidates),
	)
	return d, nil
}

// forecast asks the provider for one core's profile. Provider failures degrade to the
// neutral profile; an error is returned only when the caller's ctx has ended.
func (e *Engine) forecast(ctx context.Context, task TaskDescriptor, core topology.CoreID) (forecast.Profile, error) {
	fctx := ctx
	if e.tuning.ForecastTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = forecast.WithBudget(ctx, e.tuning.ForecastTimeout)
		defer cancel()
	}
	p, err := e.forecaster.Forecast(fctx, forecast.Characteristics{
		TaskID:        task.ID,
		Core:          core,
		EstimatedCost: task.EstimatedCost,
		WorkingSet:    task.WorkingSet,
		Priority:      task.Priority,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return forecast.Profile{}, ctxErr
	}
	if err != nil {
		e.logger.WarnContext(ctx, "forecast unavailable, using neutral profile",
			"task", task.ID, "core", core, "error", err)
		return forecast.Neutral(), nil
	}
	if p.LoadFactor <= 0 {
		e.logger.WarnContext(ctx, "forecast returned invalid load factor, using neutral profile",
			"task", task.ID, "core", core, "load_factor", p.LoadFactor)
		return forecast.Neutral(), nil
	}
	return p, nil
}

func (e *Engine) score(task TaskDescriptor, c scoredCore, totalAssigned time.Duration, totalCapacity float64) CoreCandidate {
	cost := float64(task.EstimatedCost)
	perf := cost / (cost + float64(c.delay))
	if slices.Contains(task.Affinity, c.core.ID) {
		perf += e.tuning.AffinityBonus
	}

	execSec := c.exec.Seconds()
	var energy float64
	if e.tuning.EnergyReference > 0 {
		x := c.core.Power * execSec / e.tuning.EnergyReference
		energy = x / (1 + x)
	}

	limit := c.core.ThermalLimit
	if limit <= 0 {
		limit = 1
	}
	thermal := (c.snap.Thermal + c.profile.ThermalDelta*execSec) / limit

	fair := c.core.Capacity / totalCapacity
	share := fair
	if totalAssigned > 0 {
		share = float64(c.snap.Assigned) / float64(totalAssigned)
	}
	fairness := 0.5 + (share-fair)/2

	cand := CoreCandidate{
		CoreID:      c.core.ID,
		Performance: clamp01(perf),
		Energy:      clamp01(energy),
		Thermal:     clamp01(thermal),
		Fairness:    clamp01(fairness),
		Finish:      c.finish,
	}
	cand.Composite = e.weights.Composite(cand)
	return cand
}

func (d Decision) String() string {
	return fmt.Sprintf("task %s -> core %d (preferred %d, local=%t)", d.TaskID, d.Target, d.Preferred, d.Local)
}
