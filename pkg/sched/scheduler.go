package sched

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/observability"
	"github.com/Mindburn-Labs/capkernel/pkg/runqueue"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// Commit failure details.
const (
	ReasonQueueFull   = "queue_full"
	ReasonQueueClosed = "queue_closed"
	ReasonUnknownCore = "unknown_core"
	ReasonNotDecided  = "not_decided"
)

// Scheduler drives tasks through decision and commit.
type Scheduler struct {
	engine  *Engine
	queues  *runqueue.Set
	tracker *Tracker
}

// NewScheduler creates a scheduler committing engine's decisions to engine's queues.
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{engine: engine, queues: engine.queues, tracker: NewTracker()}
}

func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Submit decides and commits task. A decision failure leaves the task Submitted; a
// commit failure leaves it Decided with the decision returned alongside the error, and
// Commit may be called again. Nothing is retried here. The submitted descriptor cannot
// be replaced until Submit returns.
func (s *Scheduler) Submit(ctx context.Context, task TaskDescriptor) (Decision, error) {
	e, err := s.tracker.submit(task)
	if err != nil {
		return Decision{}, errorir.Wrap(errorir.CodeInvalidParameters, "sched.submit", err)
	}
	defer e.claimed.Store(false)

	d, err := s.engine.Decide(ctx, e.task)
	if err != nil {
		return Decision{}, err
	}
	if err := e.decide(d); err != nil {
		return Decision{}, errorir.Wrap(errorir.CodeInternal, "sched.submit", err)
	}
	if _, err := s.track(ctx, e); err != nil {
		return d, err
	}
	return d, nil
}

// Commit applies the recorded decision for a Decided task to its target queue.
func (s *Scheduler) Commit(ctx context.Context, taskID string) (runqueue.Item, error) {
	e, err := s.tracker.entry(taskID)
	if err != nil {
		return runqueue.Item{}, errorir.Wrap(errorir.CodeInvalidParameters, "sched.commit", err)
	}
	return s.track(ctx, e)
}

func (s *Scheduler) track(ctx context.Context, e *taskEntry) (runqueue.Item, error) {
	ctx, done := s.engine.obs.TrackOperation(ctx, observability.OpSchedCommit, observability.AttrTaskID.String(e.task.ID))
	it, err := s.commit(ctx, e)
	done(err)
	return it, err
}

func (s *Scheduler) commit(ctx context.Context, e *taskEntry) (runqueue.Item, error) {
	const op = "sched.commit"
	task := e.task
	dp := e.decision.Load()
	if dp == nil {
		return runqueue.Item{}, errorir.New(errorir.CodeInvalidParameters, op, ReasonNotDecided)
	}
	d := *dp
	q, ok := s.queues.Queue(d.Target)
	if !ok {
		return runqueue.Item{}, errorir.New(errorir.CodeCommitFailure, op, ReasonUnknownCore)
	}

	commitState := StateMigrationCommit
	if d.Local {
		commitState = StateLocalCommit
	}
	if err := e.transition(StateDecided, commitState); err != nil {
		return runqueue.Item{}, &errorir.Error{Code: errorir.CodeInvalidParameters, Op: op, Detail: ReasonNotDecided, Err: err}
	}

	it, err := q.Enqueue(ctx, runqueue.Item{
		TaskID:     task.ID,
		Deadline:   task.Deadline,
		Priority:   task.Priority,
		Work:       task.EstimatedCost,
		EnqueuedAt: s.engine.clk.Now(),
	})
	if err != nil {
		if rbErr := e.transition(commitState, StateDecided); rbErr != nil {
			s.engine.logger.ErrorContext(ctx, "commit rollback failed", "task", task.ID, "error", rbErr)
		}
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return runqueue.Item{}, errorir.Wrap(errorir.CodeTimeout, op, err)
		case errors.Is(err, runqueue.ErrQueueClosed):
			return runqueue.Item{}, &errorir.Error{Code: errorir.CodeCommitFailure, Op: op, Detail: ReasonQueueClosed, Err: err}
		default:
			return runqueue.Item{}, &errorir.Error{Code: errorir.CodeCommitFailure, Op: op, Detail: ReasonQueueFull, Err: err}
		}
	}

	if err := e.transition(commitState, StateEnqueued); err != nil {
		return it, errorir.Wrap(errorir.CodeInternal, op, err)
	}
	s.engine.logger.InfoContext(ctx, "task enqueued",
		"task", task.ID,
		"core", d.Target,
		"state", commitState,
		"seq", it.Seq,
	)
	return it, nil
}

// Balance lets every idle open core steal one enqueued task it is allowed to run. It
// returns the number of tasks moved.
func (s *Scheduler) Balance(ctx context.Context) (int, error) {
	moved := 0
	for _, id := range s.queues.IDs() {
		q, _ := s.queues.Queue(id)
		snap := q.Snapshot()
		if snap.Closed || snap.Len > 0 {
			continue
		}
		thief := q.Core()
		it, ok, err := s.queues.Steal(ctx, id, s.stealable(thief))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return moved, errorir.Wrap(errorir.CodeTimeout, "sched.balance", ctxErr)
			}
			s.engine.logger.WarnContext(ctx, "steal failed", "core", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.tracker.retarget(it.TaskID, id)
		moved++
		s.engine.logger.InfoContext(ctx, "task stolen", "task", it.TaskID, "core", id)
	}
	return moved, nil
}

// stealable accepts tracked, enqueued tasks whose constraints admit thief and which the
// empty thief can still finish before their deadline.
func (s *Scheduler) stealable(thief topology.Core) func(runqueue.Item) bool {
	now := s.engine.clk.Now()
	return func(it runqueue.Item) bool {
		task, ok := s.tracker.Task(it.TaskID)
		if !ok {
			return false
		}
		if st, _ := s.tracker.State(it.TaskID); st != StateEnqueued {
			return false
		}
		if thief.Capacity <= 0 || !task.Constraints.Admits(thief) {
			return false
		}
		if task.HasDeadline() {
			exec := float64(task.EstimatedCost) / thief.Capacity
			if now.Add(durationOf(exec)).After(task.Deadline) {
				return false
			}
		}
		return true
	}
}
