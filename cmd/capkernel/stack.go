package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/audit/archive"
	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/clock"
	"github.com/Mindburn-Labs/capkernel/pkg/config"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/execctx"
	"github.com/Mindburn-Labs/capkernel/pkg/forecast"
	"github.com/Mindburn-Labs/capkernel/pkg/gateway"
	"github.com/Mindburn-Labs/capkernel/pkg/memdomain"
	"github.com/Mindburn-Labs/capkernel/pkg/observability"
	"github.com/Mindburn-Labs/capkernel/pkg/runqueue"
	"github.com/Mindburn-Labs/capkernel/pkg/sched"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// Call numbers served by the demo kernel.
const (
	callEcho    gateway.CallNumber = 1
	callSubmit  gateway.CallNumber = 2
	callBalance gateway.CallNumber = 3
	callQueues  gateway.CallNumber = 4
)

const submitSchema = `{
	"type": "object",
	"required": ["id", "cost_us"],
	"properties": {
		"id": {"type": "string", "minLength": 1, "maxLength": 128},
		"cost_us": {"type": "integer", "minimum": 1, "maximum": 3600000000},
		"deadline_us": {"type": "integer", "minimum": 1, "maximum": 86400000000},
		"working_set": {"type": "integer", "minimum": 0},
		"current_core": {"type": "integer", "minimum": -1},
		"affinity": {"type": "array", "items": {"type": "integer", "minimum": 0}},
		"tags": {"type": "array", "items": {"type": "string"}},
		"min_capacity": {"type": "number", "minimum": 0}
	},
	"additionalProperties": false
}`

// Upper bounds on submitted durations, mirrored in submitSchema.
const (
	maxCostMicros     = 3_600_000_000  // one hour
	maxDeadlineMicros = 86_400_000_000 // one day
)

// stack is every component of a running kernel, wired from one Config.
type stack struct {
	cfg    *config.Config
	clk    clock.Clock
	logger *slog.Logger
	obs    *observability.Provider

	chain    *audit.MemorySink
	sqlSink  *audit.SQLSink
	archiver *archive.Archiver

	table     *capability.Table
	validator *capability.Validator
	pool      *memdomain.Pool
	gateway   *gateway.Gateway
	redis     *redis.Client

	queues    *runqueue.Set
	ewma      *forecast.EWMA
	breaker   *forecast.Breaker
	scheduler *sched.Scheduler
}

func newStack(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *stack, err error) {
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, clk: clock.Wall{}, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
		}
	}()

	s.obs, err = observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	slo := observability.NewSLOTracker(s.clk, 0)
	for _, t := range observability.DefaultSLOTargets() {
		slo.SetTarget(t)
	}
	s.obs.WithSLO(slo)

	sink, err := s.auditSink(ctx, logOut)
	if err != nil {
		return nil, err
	}

	s.table = capability.NewTable(capability.WithTableClock(s.clk))
	s.validator = capability.NewValidator(s.table, sink, capability.WithLogger(logger))

	classes, err := cfg.ClassTable()
	if err != nil {
		return nil, err
	}
	ceilings, err := cfg.CeilingMap()
	if err != nil {
		return nil, err
	}
	rules, err := execctx.NewCELPolicy(cfg.Context.Rules)
	if err != nil {
		return nil, err
	}
	s.pool = memdomain.NewPool(cfg.Context.Quotas)
	builder := execctx.NewBuilder(execctx.NewPolicy(classes, ceilings), s.pool, sink,
		execctx.WithHooks(rules), execctx.WithLogger(logger))

	if err := s.buildScheduler(); err != nil {
		return nil, err
	}

	registry, err := s.registry()
	if err != nil {
		return nil, err
	}
	opts := []gateway.Option{
		gateway.WithSanitizer(gateway.Sanitizer{MaxBytes: cfg.Gateway.MaxParamBytes}),
		gateway.WithLogger(logger),
		gateway.WithObservability(s.obs),
	}
	if l := s.limiter(); l != nil {
		opts = append(opts, gateway.WithLimiter(l))
	}
	s.gateway, err = gateway.New(registry, s.validator, builder, sink, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *stack) auditSink(ctx context.Context, logOut io.Writer) (audit.Sink, error) {
	s.chain = audit.NewMemorySink()
	sinks := []audit.Sink{s.chain}
	if s.cfg.Audit.Stdout {
		sinks = append(sinks, audit.NewWriterSink(logOut))
	}
	if s.cfg.Audit.Driver != "" {
		sqlSink, err := audit.OpenSQL(ctx, s.cfg.Audit.Driver, s.cfg.Audit.DSN)
		if err != nil {
			return nil, err
		}
		s.sqlSink = sqlSink
		sinks = append(sinks, sqlSink)
	}
	if s.cfg.Audit.ArchiveEnabled {
		store, err := archive.NewStore(ctx, s.cfg.Audit.Archive)
		if err != nil {
			return nil, err
		}
		s.archiver = archive.NewArchiver(s.chain, store, s.logger)
	}
	return audit.Tee(sinks...), nil
}

func (s *stack) limiter() gateway.Limiter {
	l := s.cfg.Gateway.Limiter
	switch l.Backend {
	case config.LimiterMemory:
		return gateway.NewRateLimiter(l.RPS, l.Burst, s.clk)
	case config.LimiterRedis:
		s.redis = gateway.NewRedisClient(l.RedisAddr, l.RedisPassword, l.RedisDB)
		return gateway.NewRedisLimiter(s.redis, l.RPS, l.Burst, l.Prefix, s.clk)
	default:
		return nil
	}
}

func (s *stack) buildScheduler() error {
	sc := s.cfg.Scheduler
	topo, err := topology.NewStatic(sc.Cores)
	if err != nil {
		return err
	}
	cores, err := topo.Cores(context.Background())
	if err != nil {
		return err
	}
	s.queues, err = runqueue.NewSet(cores, sc.QueueCapacity)
	if err != nil {
		return err
	}
	s.ewma, err = forecast.NewEWMA(sc.EWMAAlpha)
	if err != nil {
		return err
	}
	s.breaker = forecast.NewBreaker(s.ewma, sc.Breaker, s.logger)
	engine, err := sched.NewEngine(s.queues, s.breaker, sc.Weights,
		sched.WithTuning(sc.Tuning),
		sched.WithClock(s.clk),
		sched.WithLogger(s.logger),
		sched.WithObservability(s.obs),
	)
	if err != nil {
		return err
	}
	s.scheduler = sched.NewScheduler(engine)
	return nil
}

func (s *stack) registry() (*gateway.Registry, error) {
	r := gateway.NewRegistry()
	specs := []gateway.CallSpec{
		{Number: callEcho, Name: "echo", Operation: capability.RightRead, Handler: gateway.HandlerFunc(echo)},
		{Number: callSubmit, Name: "sched.submit", Operation: capability.RightExec, Schema: submitSchema, Handler: gateway.HandlerFunc(s.submit)},
		{Number: callBalance, Name: "sched.balance", Operation: capability.RightAdmin, Handler: gateway.HandlerFunc(s.balance)},
		{Number: callQueues, Name: "sched.queues", Operation: capability.RightRead, Handler: gateway.HandlerFunc(s.queueLengths)},
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func echo(_ context.Context, params map[string]any, ec *execctx.Context) (any, error) {
	return map[string]any{"owner": ec.Owner, "class": ec.Class.String(), "params": params}, nil
}

// submit places a task on behalf of the caller. Higher scheduling classes run first.
func (s *stack) submit(ctx context.Context, params map[string]any, ec *execctx.Context) (any, error) {
	task, err := taskFromParams(params, s.clk.Now())
	if err != nil {
		return nil, errorir.Wrap(errorir.CodeInvalidParameters, "sched.submit", err)
	}
	task.Priority = int(execctx.ClassRealtime - ec.Class)
	return s.scheduler.Submit(ctx, task)
}

func (s *stack) balance(ctx context.Context, _ map[string]any, _ *execctx.Context) (any, error) {
	moved, err := s.scheduler.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"moved": moved}, nil
}

func (s *stack) queueLengths(context.Context, map[string]any, *execctx.Context) (any, error) {
	out := make(map[topology.CoreID]int)
	for id, snap := range s.queues.Snapshots() {
		out[id] = snap.Len
	}
	return out, nil
}

func taskFromParams(p map[string]any, now time.Time) (sched.TaskDescriptor, error) {
	task := sched.TaskDescriptor{CurrentCore: topology.NoCore}
	task.ID, _ = p["id"].(string)

	cost, err := microsParam(p, "cost_us", maxCostMicros)
	if err != nil {
		return task, err
	}
	task.EstimatedCost = cost
	if _, ok := p["deadline_us"]; ok {
		d, err := microsParam(p, "deadline_us", maxDeadlineMicros)
		if err != nil {
			return task, err
		}
		task.Deadline = now.Add(d)
	}
	if _, ok := p["working_set"]; ok {
		ws, err := intParam(p, "working_set")
		if err != nil {
			return task, err
		}
		task.WorkingSet = uint64(ws)
	}
	if _, ok := p["current_core"]; ok {
		c, err := intParam(p, "current_core")
		if err != nil {
			return task, err
		}
		task.CurrentCore = topology.CoreID(c)
	}
	if raw, ok := p["affinity"].([]any); ok {
		for _, v := range raw {
			n, err := toInt(v)
			if err != nil {
				return task, fmt.Errorf("affinity: %w", err)
			}
			task.Affinity = append(task.Affinity, topology.CoreID(n))
		}
	}
	if raw, ok := p["tags"].([]any); ok {
		for _, v := range raw {
			if tag, ok := v.(string); ok {
				task.Constraints.RequiredTags = append(task.Constraints.RequiredTags, tag)
			}
		}
	}
	if n, ok := p["min_capacity"].(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return task, fmt.Errorf("min_capacity: %w", err)
		}
		task.Constraints.MinCapacity = f
	}
	return task, nil
}

// microsParam reads a positive microsecond count no larger than limit.
func microsParam(p map[string]any, key string, limit int64) (time.Duration, error) {
	n, err := intParam(p, key)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > limit {
		return 0, fmt.Errorf("%s: %d outside [1, %d]", key, n, limit)
	}
	return time.Duration(n) * time.Microsecond, nil
}

func intParam(p map[string]any, key string) (int64, error) {
	n, err := toInt(p[key])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func toInt(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("want integer, got %T", v)
	}
	return n.Int64()
}

// heatPerJoule maps the energy a core spends on a run to normalized thermal rise.
const heatPerJoule = 2.0

// recordExecution feeds a completed run of it on q back into the forecaster and the
// core's thermal state, and releases the task from the tracker.
func (s *stack) recordExecution(q *runqueue.Queue, it runqueue.Item, actual time.Duration) {
	core := q.Core()
	expected := time.Duration(float64(it.Work) / core.Capacity)
	rise := heatPerJoule * core.Power * actual.Seconds()
	s.ewma.Observe(core.ID, expected, actual, rise)
	q.SetThermal(min(core.ThermalLimit, q.Snapshot().Thermal+rise))
	s.scheduler.Tracker().Forget(it.TaskID)
}

// Close releases external resources. The audit chain itself stays readable.
func (s *stack) Close(ctx context.Context) error {
	var errs []error
	if s.queues != nil {
		s.queues.Close()
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.sqlSink != nil {
		errs = append(errs, s.sqlSink.Close())
	}
	if s.obs != nil {
		errs = append(errs, s.obs.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
