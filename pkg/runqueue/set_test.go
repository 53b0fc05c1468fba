package runqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_Steal(t *testing.T) {
	ctx := context.Background()
	s, err := NewSet([]topology.Core{core(2), core(0), core(1)}, 8)
	require.NoError(t, err)
	assert.Equal(t, []topology.CoreID{0, 1, 2}, s.IDs())

	busy, _ := s.Queue(1)
	for _, it := range []Item{{TaskID: "urgent", Priority: 0}, {TaskID: "lazy", Priority: 9}, {TaskID: "mid", Priority: 5}} {
		_, err := busy.Enqueue(ctx, it)
		require.NoError(t, err)
	}

	it, ok, err := s.Steal(ctx, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lazy", it.TaskID)

	thief, _ := s.Queue(0)
	assert.Equal(t, 1, thief.Snapshot().Len)
	assert.Equal(t, 2, busy.Snapshot().Len)

	it, ok, err = s.Steal(ctx, 2, func(it Item) bool { return it.TaskID == "urgent" })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "urgent", it.TaskID)

	_, ok, err = s.Steal(ctx, 2, func(Item) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSet_StealMovesAssignedWork(t *testing.T) {
	ctx := context.Background()
	s, err := NewSet([]topology.Core{core(0), core(1)}, 8)
	require.NoError(t, err)

	victim, _ := s.Queue(1)
	thief, _ := s.Queue(0)
	for i, w := range []time.Duration{3 * time.Millisecond, 5 * time.Millisecond, 2 * time.Millisecond} {
		_, err := victim.Enqueue(ctx, Item{TaskID: fmt.Sprintf("t%d", i), Priority: i, Work: w})
		require.NoError(t, err)
	}
	total := victim.Snapshot().Assigned + thief.Snapshot().Assigned
	require.Equal(t, 10*time.Millisecond, total)

	it, ok, err := s.Steal(ctx, 0, nil)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, it.Work, thief.Snapshot().Assigned)
	assert.Equal(t, 10*time.Millisecond-it.Work, victim.Snapshot().Assigned)
	assert.Equal(t, total, victim.Snapshot().Assigned+thief.Snapshot().Assigned)
}

func TestSet_StealNothingAndErrors(t *testing.T) {
	ctx := context.Background()
	s, err := NewSet([]topology.Core{core(0), core(1)}, 1)
	require.NoError(t, err)

	_, ok, err := s.Steal(ctx, 0, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Steal(ctx, 7, nil)
	assert.Error(t, err)

	q0, _ := s.Queue(0)
	q1, _ := s.Queue(1)
	_, err = q0.Enqueue(ctx, Item{TaskID: "a"})
	require.NoError(t, err)
	_, err = q1.Enqueue(ctx, Item{TaskID: "b"})
	require.NoError(t, err)
	_, _, err = s.Steal(ctx, 0, nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = NewSet([]topology.Core{core(0), core(0)}, 1)
	assert.Error(t, err)
	_, err = NewSet([]topology.Core{core(0)}, 0)
	assert.Error(t, err)

	s.Close()
	assert.True(t, s.Snapshots()[0].Closed)
}
