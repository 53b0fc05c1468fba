// Package memdomain is the reference memory-domain allocator. It hands out opaque
// domain handles under per-size-class quotas; it does not model physical layout.
package memdomain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SizeClass selects the reservation size of a domain.
type SizeClass int

const (
	SizeSmall SizeClass = iota
	SizeMedium
	SizeLarge
	numClasses
)

var classBytes = [numClasses]uint64{
	SizeSmall:  64 << 10,
	SizeMedium: 1 << 20,
	SizeLarge:  16 << 20,
}

func (c SizeClass) Valid() bool { return c >= 0 && c < numClasses }

// Bytes is the reservation size of the class.
func (c SizeClass) Bytes() uint64 {
	if !c.Valid() {
		return 0
	}
	return classBytes[c]
}

func (c SizeClass) String() string {
	switch c {
	case SizeSmall:
		return "small"
	case SizeMedium:
		return "medium"
	case SizeLarge:
		return "large"
	default:
		return fmt.Sprintf("sizeclass(%d)", int(c))
	}
}

// ParseSizeClass parses "small", "medium" or "large".
func ParseSizeClass(s string) (SizeClass, error) {
	switch strings.ToLower(s) {
	case "small":
		return SizeSmall, nil
	case "medium":
		return SizeMedium, nil
	case "large":
		return SizeLarge, nil
	}
	return 0, fmt.Errorf("memdomain: unknown size class %q", s)
}

// Handle is an owned memory domain.
type Handle struct {
	ID    uint64
	Class SizeClass
	Bytes uint64
}

var (
	ErrExhausted     = errors.New("memdomain: size class exhausted")
	ErrInvalidClass  = errors.New("memdomain: invalid size class")
	ErrUnknownHandle = errors.New("memdomain: unknown or already released handle")
)

// Pool allocates domains against fixed per-class quotas.
type Pool struct {
	mu     sync.Mutex
	quota  [numClasses]int
	inUse  [numClasses]int
	live   map[uint64]SizeClass
	nextID uint64
}

// Quotas caps live domains per class. A zero quota disables the class.
type Quotas struct {
	Small  int `yaml:"small"`
	Medium int `yaml:"medium"`
	Large  int `yaml:"large"`
}

func NewPool(q Quotas) *Pool {
	p := &Pool{live: make(map[uint64]SizeClass)}
	p.quota[SizeSmall] = q.Small
	p.quota[SizeMedium] = q.Medium
	p.quota[SizeLarge] = q.Large
	return p
}

// Allocate reserves a domain of class c.
func (p *Pool) Allocate(ctx context.Context, c SizeClass) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if !c.Valid() {
		return Handle{}, fmt.Errorf("%w: %d", ErrInvalidClass, int(c))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[c] >= p.quota[c] {
		return Handle{}, fmt.Errorf("%w: %s (%d/%d)", ErrExhausted, c, p.inUse[c], p.quota[c])
	}
	p.nextID++
	p.inUse[c]++
	p.live[p.nextID] = c
	return Handle{ID: p.nextID, Class: c, Bytes: c.Bytes()}, nil
}

// Release returns h to the pool. Releasing twice is an error.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.live[h.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h.ID)
	}
	delete(p.live, h.ID)
	p.inUse[c]--
	return nil
}

// Live returns the number of outstanding domains.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// InUse returns the number of outstanding domains of class c.
func (p *Pool) InUse(c SizeClass) int {
	if !c.Valid() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[c]
}
