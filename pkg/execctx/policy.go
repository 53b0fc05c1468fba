package execctx

import (
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/memdomain"
)

// ClassTable holds the base limits of each scheduling class.
type ClassTable map[SchedulingClass]Limits

// DefaultClassTable is used when configuration supplies none.
func DefaultClassTable() ClassTable {
	return ClassTable{
		ClassIdle:        {MemoryBytes: 64 << 10, CPUShare: 0.05, MaxThreads: 1, IPCQuota: 4, MaxDuration: 100 * time.Millisecond},
		ClassBatch:       {MemoryBytes: 1 << 20, CPUShare: 0.25, MaxThreads: 4, IPCQuota: 64, MaxDuration: 5 * time.Second},
		ClassInteractive: {MemoryBytes: 1 << 20, CPUShare: 0.5, MaxThreads: 8, IPCQuota: 256, MaxDuration: time.Second},
		ClassRealtime:    {MemoryBytes: 16 << 20, CPUShare: 1, MaxThreads: 16, IPCQuota: 1024, MaxDuration: 50 * time.Millisecond},
	}
}

// Policy derives entitlement from a descriptor's owner and rights. It holds no mutable
// state; the same inputs always produce the same entitlement.
type Policy struct {
	Classes  ClassTable
	Ceilings map[string]SchedulingClass // per-owner class ceiling
}

func NewPolicy(classes ClassTable, ceilings map[string]SchedulingClass) Policy {
	if len(classes) == 0 {
		classes = DefaultClassTable()
	}
	return Policy{Classes: classes, Ceilings: ceilings}
}

// Entitlement returns the scheduling class and limits implied by owner and rights.
func (p Policy) Entitlement(owner string, rights capability.Rights) (SchedulingClass, Limits) {
	class := ClassIdle
	switch {
	case rights&capability.RightRealtime != 0:
		class = ClassRealtime
	case rights&capability.RightExec != 0:
		class = ClassInteractive
	case rights&capability.RightWrite != 0:
		class = ClassBatch
	}
	if ceiling, ok := p.Ceilings[owner]; ok && ceiling < class {
		class = ceiling
	}

	limits := p.Classes[class]
	if rights&capability.RightIPC == 0 {
		limits.IPCQuota = 0
	}
	if rights&capability.RightSpawn == 0 {
		limits.MaxThreads = min(limits.MaxThreads, 1)
	}
	if rights&capability.RightMap == 0 {
		limits.MemoryBytes = min(limits.MemoryBytes, memdomain.SizeSmall.Bytes())
	}
	return class, limits
}
