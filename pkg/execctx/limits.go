// Package execctx materializes per-call execution contexts: an owned memory domain,
// a scheduling class, resource limits and an audit trail, all derived from the
// capability descriptor that authorized the call.
package execctx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/memdomain"
)

// SizeClass and DomainHandle are the allocator vocabulary.
type (
	SizeClass    = memdomain.SizeClass
	DomainHandle = memdomain.Handle
)

// Allocator supplies memory domains. memdomain.Pool is the reference implementation.
type Allocator interface {
	Allocate(ctx context.Context, c SizeClass) (DomainHandle, error)
	Release(h DomainHandle) error
}

// SchedulingClass orders calls for the runtime. Higher is more privileged.
type SchedulingClass int

const (
	ClassIdle SchedulingClass = iota
	ClassBatch
	ClassInteractive
	ClassRealtime
)

var classNames = [...]string{"idle", "batch", "interactive", "realtime"}

func (c SchedulingClass) String() string {
	if c >= 0 && int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", int(c))
}

func ParseSchedulingClass(s string) (SchedulingClass, error) {
	for i, n := range classNames {
		if strings.EqualFold(n, s) {
			return SchedulingClass(i), nil
		}
	}
	return 0, fmt.Errorf("execctx: unknown scheduling class %q", s)
}

// Limits bound what a call may consume.
type Limits struct {
	MemoryBytes uint64        `yaml:"memory_bytes" json:"memory_bytes"`
	CPUShare    float64       `yaml:"cpu_share" json:"cpu_share"`
	MaxThreads  int           `yaml:"max_threads" json:"max_threads"`
	IPCQuota    int           `yaml:"ipc_quota" json:"ipc_quota"`
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration"`
}

// Within reports whether every limit in l is at most the matching limit in bound.
func (l Limits) Within(bound Limits) bool {
	return l.MemoryBytes <= bound.MemoryBytes &&
		l.CPUShare <= bound.CPUShare &&
		l.MaxThreads <= bound.MaxThreads &&
		l.IPCQuota <= bound.IPCQuota &&
		l.MaxDuration <= bound.MaxDuration
}

// Intersect returns the field-wise minimum of l and o.
func (l Limits) Intersect(o Limits) Limits {
	return Limits{
		MemoryBytes: min(l.MemoryBytes, o.MemoryBytes),
		CPUShare:    min(l.CPUShare, o.CPUShare),
		MaxThreads:  min(l.MaxThreads, o.MaxThreads),
		IPCQuota:    min(l.IPCQuota, o.IPCQuota),
		MaxDuration: min(l.MaxDuration, o.MaxDuration),
	}
}

// SizeClassFor returns the smallest class that holds mem bytes, capped at the largest.
func SizeClassFor(mem uint64) SizeClass {
	for _, c := range []SizeClass{memdomain.SizeSmall, memdomain.SizeMedium} {
		if mem <= c.Bytes() {
			return c
		}
	}
	return memdomain.SizeLarge
}
