package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
)

var ErrTrailClosed = errors.New("audit: trail closed")

// Trail is the per-call audit handle carried by an execution context. It stamps every
// record with the call id and token fingerprint of the owning call.
type Trail struct {
	sink   Sink
	clk    clock.Clock
	callID string
	token  string

	mu     sync.Mutex
	n      int
	closed bool
}

// NewTrail opens a trail over sink.
func NewTrail(sink Sink, clk clock.Clock, callID, token string) *Trail {
	return &Trail{sink: sink, clk: clock.OrWall(clk), callID: callID, token: token}
}

// Append writes rec with the trail's call id, token and a timestamp from the trail clock.
func (t *Trail) Append(ctx context.Context, rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTrailClosed
	}
	if t.sink == nil {
		return ErrNoSink
	}
	rec.CallID = t.callID
	rec.Token = t.token
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.clk.Now()
	}
	if err := t.sink.Append(ctx, rec); err != nil {
		return err
	}
	t.n++
	return nil
}

// Close rejects further appends. Safe to call more than once.
func (t *Trail) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Len returns the number of records appended through this trail.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *Trail) CallID() string { return t.callID }
