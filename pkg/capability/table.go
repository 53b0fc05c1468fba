package capability

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
)

var ErrTokenExists = errors.New("capability: token already present")

// Table maps tokens to descriptors. Reads never lock; an insert or revoke touches
// only its own key, so readers of other tokens are never blocked.
type Table struct {
	entries sync.Map // Token -> *Descriptor
	size    atomic.Int64
	clk     clock.Clock
}

type TableOption func(*Table)

// WithTableClock sets the clock Insert uses to decide whether an occupant has expired.
func WithTableClock(c clock.Clock) TableOption {
	return func(t *Table) { t.clk = clock.OrWall(c) }
}

func NewTable(opts ...TableOption) *Table {
	t := &Table{clk: clock.Wall{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Insert stores desc under token. A live descriptor is never overwritten; one that
// has already expired is replaced, as if it had been swept first.
func (t *Table) Insert(token Token, desc Descriptor) error {
	if token.IsZero() {
		return ErrInvalidToken
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	d := desc.clone()
	for {
		v, loaded := t.entries.LoadOrStore(token, &d)
		if !loaded {
			t.size.Add(1)
			return nil
		}
		if !v.(*Descriptor).ExpiredAt(t.clk.Now()) {
			return ErrTokenExists
		}
		if t.entries.CompareAndSwap(token, v, &d) {
			return nil
		}
	}
}

// Issue mints a fresh token for desc.
func (t *Table) Issue(desc Descriptor) (Token, error) {
	for {
		tok := NewToken()
		err := t.Insert(tok, desc)
		if errors.Is(err, ErrTokenExists) {
			continue
		}
		return tok, err
	}
}

// Revoke removes token. It reports whether a descriptor was present.
func (t *Table) Revoke(token Token) bool {
	if _, loaded := t.entries.LoadAndDelete(token); loaded {
		t.size.Add(-1)
		return true
	}
	return false
}

// Lookup returns a copy of the descriptor for token. Descriptors expired at now are
// dropped from the table and reported absent.
func (t *Table) Lookup(token Token, now time.Time) (Descriptor, bool) {
	d, found := t.lookup(token, now)
	return d, found == lookupFound
}

type lookupResult int

const (
	lookupMissing lookupResult = iota
	lookupExpired
	lookupFound
)

func (t *Table) lookup(token Token, now time.Time) (Descriptor, lookupResult) {
	v, ok := t.entries.Load(token)
	if !ok {
		return Descriptor{}, lookupMissing
	}
	d := v.(*Descriptor)
	if d.ExpiredAt(now) {
		if t.entries.CompareAndDelete(token, d) {
			t.size.Add(-1)
		}
		return Descriptor{}, lookupExpired
	}
	return d.clone(), lookupFound
}

// Len returns the number of stored descriptors, including expired ones not yet observed.
func (t *Table) Len() int {
	return int(t.size.Load())
}

// Sweep drops every descriptor expired at now and returns how many were removed.
func (t *Table) Sweep(now time.Time) int {
	n := 0
	t.entries.Range(func(k, v any) bool {
		if v.(*Descriptor).ExpiredAt(now) && t.entries.CompareAndDelete(k, v) {
			t.size.Add(-1)
			n++
		}
		return true
	})
	return n
}
