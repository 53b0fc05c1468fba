package sched

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/forecast"
	"github.com/Mindburn-Labs/capkernel/pkg/runqueue"
	"github.com/Mindburn-Labs/capkernel/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_SubmitEnqueues(t *testing.T) {
	set := newSet(t, 8, core(0, 1, 1), core(1, 1, 1))
	s := NewScheduler(newEngine(t, set, balanced, nil))

	d, err := s.Submit(context.Background(), task("a", time.Millisecond))
	require.NoError(t, err)

	st, ok := s.Tracker().State("a")
	require.True(t, ok)
	assert.Equal(t, StateEnqueued, st)

	q, _ := set.Queue(d.Target)
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].TaskID)
	assert.Equal(t, t0, items[0].EnqueuedAt)
}

func TestScheduler_CommitFailureLeavesTaskDecided(t *testing.T) {
	set := newSet(t, 1, core(0, 1, 1))
	s := NewScheduler(newEngine(t, set, balanced, nil))
	ctx := context.Background()

	_, err := s.Submit(ctx, task("first", time.Millisecond))
	require.NoError(t, err)

	d, err := s.Submit(ctx, task("second", time.Millisecond))
	require.ErrorIs(t, err, errorir.ErrCommitFailure)
	assert.Equal(t, ReasonQueueFull, errorir.DetailOf(err))
	assert.ErrorIs(t, err, runqueue.ErrQueueFull)
	assert.Equal(t, topology.CoreID(0), d.Target)

	st, _ := s.Tracker().State("second")
	assert.Equal(t, StateDecided, st)

	q, _ := set.Queue(0)
	_, ok := q.Dequeue()
	require.True(t, ok)

	it, err := s.Commit(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", it.TaskID)
	st, _ = s.Tracker().State("second")
	assert.Equal(t, StateEnqueued, st)

	_, err = s.Commit(ctx, "second")
	assert.ErrorIs(t, err, errorir.ErrInvalidParameters)
}

func TestScheduler_CommitToClosedQueue(t *testing.T) {
	set := newSet(t, 4, core(0, 1, 1))
	e := newEngine(t, set, balanced, nil)
	s := NewScheduler(e)
	ctx := context.Background()

	require.NoError(t, s.Tracker().Submit(task("a", time.Millisecond)))
	d, err := e.Decide(ctx, task("a", time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Tracker().Decide("a", d))

	set.Close()
	_, err = s.Commit(ctx, "a")
	require.ErrorIs(t, err, errorir.ErrCommitFailure)
	assert.Equal(t, ReasonQueueClosed, errorir.DetailOf(err))
	st, _ := s.Tracker().State("a")
	assert.Equal(t, StateDecided, st)
}

func TestScheduler_DecisionFailureLeavesTaskSubmitted(t *testing.T) {
	set := newSet(t, 4, core(0, 1, 1))
	s := NewScheduler(newEngine(t, set, balanced, nil))

	rt := task("rt", 20*time.Millisecond)
	rt.Deadline = t0.Add(time.Millisecond)
	_, err := s.Submit(context.Background(), rt)
	require.ErrorIs(t, err, errorir.ErrSchedulingInfeasible)

	st, _ := s.Tracker().State("rt")
	assert.Equal(t, StateSubmitted, st)

	rt.Deadline = t0.Add(time.Second)
	_, err = s.Submit(context.Background(), rt)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), rt)
	assert.ErrorIs(t, err, errorir.ErrInvalidParameters)
}

func TestScheduler_ResubmitWaitsForInFlightDecision(t *testing.T) {
	set := newSet(t, 4, core(0, 1, 1), core(1, 1, 1))
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := forecast.Func(func(ctx context.Context, c forecast.Characteristics) (forecast.Profile, error) {
		once.Do(func() {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
			}
		})
		return forecast.Neutral(), nil
	})
	tuning := DefaultTuning()
	tuning.ForecastTimeout = 0
	s := NewScheduler(newEngine(t, set, balanced, slow, WithTuning(tuning)))

	first := task("x", time.Millisecond)
	first.Constraints.AllowedCores = []topology.CoreID{0}
	type result struct {
		d   Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := s.Submit(context.Background(), first)
		done <- result{d, err}
	}()
	<-entered

	second := task("x", 5*time.Millisecond)
	second.Constraints.AllowedCores = []topology.CoreID{1}
	_, err := s.Submit(context.Background(), second)
	require.ErrorIs(t, err, errorir.ErrInvalidParameters)
	assert.ErrorIs(t, err, ErrTaskExists)
	assert.False(t, s.Tracker().Forget("x"), "an in-flight submission cannot be forgotten")

	close(release)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, topology.CoreID(0), r.d.Target)

	tracked, ok := s.Tracker().Task("x")
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, tracked.EstimatedCost)
	q0, _ := set.Queue(0)
	require.Len(t, q0.Items(), 1)
	assert.Equal(t, time.Millisecond, q0.Items()[0].Work)
	q1, _ := set.Queue(1)
	assert.Empty(t, q1.Items())
}

func TestScheduler_UnknownTask(t *testing.T) {
	s := NewScheduler(newEngine(t, newSet(t, 4, core(0, 1, 1)), balanced, nil))
	_, err := s.Commit(context.Background(), "ghost")
	assert.ErrorIs(t, err, errorir.ErrInvalidParameters)
}

func TestScheduler_ConcurrentSubmitsKeepFIFOWithinPriority(t *testing.T) {
	set := newSet(t, 256, core(0, 1, 1))
	s := NewScheduler(newEngine(t, set, balanced, nil))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := task(fmt.Sprintf("t%d", i), time.Microsecond)
			tk.Priority = i % 3
			_, err := s.Submit(context.Background(), tk)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	q, _ := set.Queue(0)
	items := q.Items()
	require.Len(t, items, 100)
	for i := 1; i < len(items); i++ {
		prev, cur := items[i-1], items[i]
		require.LessOrEqual(t, prev.Priority, cur.Priority)
		if prev.Priority == cur.Priority {
			require.Less(t, prev.Seq, cur.Seq)
		}
	}
}

func TestScheduler_BalanceStealsOntoIdleCore(t *testing.T) {
	set := newSet(t, 8, core(0, 1, 1), core(1, 1, 1))
	slowCore1 := forecast.Func(func(_ context.Context, c forecast.Characteristics) (forecast.Profile, error) {
		if c.Core == 1 {
			return forecast.Profile{LoadFactor: 100}, nil
		}
		return forecast.Neutral(), nil
	})
	s := NewScheduler(newEngine(t, set, Weights{Performance: 1}, slowCore1))
	ctx := context.Background()

	pinned := task("pinned", time.Millisecond)
	pinned.Priority = 9
	pinned.Constraints.AllowedCores = []topology.CoreID{0}
	for _, tk := range []TaskDescriptor{pinned, withPriority(task("urgent", time.Millisecond), 1), withPriority(task("lazy", time.Millisecond), 5)} {
		d, err := s.Submit(ctx, tk)
		require.NoError(t, err)
		require.Equal(t, topology.CoreID(0), d.Target)
	}

	moved, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	q1, _ := set.Queue(1)
	items := q1.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "lazy", items[0].TaskID)
	got, _ := s.Tracker().Decision("lazy")
	assert.Equal(t, topology.CoreID(1), got.Target)
	assert.False(t, got.Local)

	moved, err = s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

func withPriority(tk TaskDescriptor, p int) TaskDescriptor {
	tk.Priority = p
	return tk
}
