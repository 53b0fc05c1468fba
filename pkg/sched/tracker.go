package sched

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// TaskState is a task's position in the placement lifecycle.
type TaskState int32

const (
	StateSubmitted TaskState = iota
	StateDecided
	StateLocalCommit
	StateMigrationCommit
	StateEnqueued
)

var stateNames = map[TaskState]string{
	StateSubmitted:       "SUBMITTED",
	StateDecided:         "DECIDED",
	StateLocalCommit:     "LOCAL_COMMIT",
	StateMigrationCommit: "MIGRATION_COMMIT",
	StateEnqueued:        "ENQUEUED",
}

func (s TaskState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TaskState(%d)", int32(s))
}

var (
	ErrUnknownTask       = errors.New("sched: unknown task")
	ErrTaskExists        = errors.New("sched: task already tracked")
	ErrInvalidTransition = errors.New("sched: invalid state transition")
)

// legal lists every permitted edge. Commit failures step back from a commit state to
// Decided so the caller can retry.
var legal = map[TaskState][]TaskState{
	StateSubmitted:       {StateDecided},
	StateDecided:         {StateLocalCommit, StateMigrationCommit},
	StateLocalCommit:     {StateEnqueued, StateDecided},
	StateMigrationCommit: {StateEnqueued, StateDecided},
}

type taskEntry struct {
	task     TaskDescriptor
	state    atomic.Int32
	decision atomic.Pointer[Decision]
	claimed  atomic.Bool // a decision for this descriptor is in flight
}

// Tracker holds per-task lifecycle state. Transitions are compare-and-swap on a single
// task; tasks never contend with each other.
type Tracker struct {
	tasks sync.Map // string -> *taskEntry
}

func NewTracker() *Tracker { return &Tracker{} }

// Submit registers task in StateSubmitted. A task still in StateSubmitted may be
// resubmitted, which replaces its descriptor, unless a decision for it is in flight.
func (t *Tracker) Submit(task TaskDescriptor) error {
	e, err := t.submit(task)
	if err != nil {
		return err
	}
	e.claimed.Store(false)
	return nil
}

// submit registers task and returns its entry claimed by the caller. The claim keeps
// the descriptor fixed until release.
func (t *Tracker) submit(task TaskDescriptor) (*taskEntry, error) {
	e := &taskEntry{task: task}
	e.claimed.Store(true)
	v, loaded := t.tasks.LoadOrStore(task.ID, e)
	if !loaded {
		return e, nil
	}
	prev := v.(*taskEntry)
	if !prev.claimed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s (decision in flight)", ErrTaskExists, task.ID)
	}
	if TaskState(prev.state.Load()) != StateSubmitted || !t.tasks.CompareAndSwap(task.ID, prev, e) {
		prev.claimed.Store(false)
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	return e, nil
}

// Decide records d and moves the task from Submitted to Decided.
func (t *Tracker) Decide(id string, d Decision) error {
	e, err := t.entry(id)
	if err != nil {
		return err
	}
	return e.decide(d)
}

// Transition moves task id from one state to another.
func (t *Tracker) Transition(id string, from, to TaskState) error {
	e, err := t.entry(id)
	if err != nil {
		return err
	}
	return e.transition(from, to)
}

// State returns the current state of task id.
func (t *Tracker) State(id string) (TaskState, bool) {
	e, err := t.entry(id)
	if err != nil {
		return 0, false
	}
	return TaskState(e.state.Load()), true
}

// Task returns the descriptor of task id.
func (t *Tracker) Task(id string) (TaskDescriptor, bool) {
	e, err := t.entry(id)
	if err != nil {
		return TaskDescriptor{}, false
	}
	return e.task, true
}

// Decision returns the latest decision recorded for task id.
func (t *Tracker) Decision(id string) (Decision, bool) {
	e, err := t.entry(id)
	if err != nil {
		return Decision{}, false
	}
	d := e.decision.Load()
	if d == nil {
		return Decision{}, false
	}
	return *d, true
}

// retarget records that a work-stealing move placed task id on core.
func (t *Tracker) retarget(id string, core topology.CoreID) {
	e, err := t.entry(id)
	if err != nil {
		return
	}
	if d := e.decision.Load(); d != nil {
		moved := *d
		moved.Target = core
		moved.Local = false
		e.decision.Store(&moved)
	}
}

// Forget drops task id. Only enqueued or still-submitted tasks can be forgotten.
func (t *Tracker) Forget(id string) bool {
	e, err := t.entry(id)
	if err != nil {
		return false
	}
	switch TaskState(e.state.Load()) {
	case StateEnqueued:
		return t.tasks.CompareAndDelete(id, e)
	case StateSubmitted:
		if !e.claimed.CompareAndSwap(false, true) {
			return false
		}
		if TaskState(e.state.Load()) != StateSubmitted || !t.tasks.CompareAndDelete(id, e) {
			e.claimed.Store(false)
			return false
		}
		return true
	default:
		return false
	}
}

// Len returns the number of tracked tasks.
func (t *Tracker) Len() int {
	n := 0
	t.tasks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (t *Tracker) entry(id string) (*taskEntry, error) {
	v, ok := t.tasks.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return v.(*taskEntry), nil
}

func (e *taskEntry) decide(d Decision) error {
	if TaskState(e.state.Load()) != StateSubmitted {
		return fmt.Errorf("%w: %s -> %s (task is %s)", ErrInvalidTransition, StateSubmitted, StateDecided, TaskState(e.state.Load()))
	}
	e.decision.Store(&d)
	return e.transition(StateSubmitted, StateDecided)
}

func (e *taskEntry) transition(from, to TaskState) error {
	allowed := false
	for _, s := range legal[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !e.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (task is %s)", ErrInvalidTransition, from, to, TaskState(e.state.Load()))
	}
	return nil
}
