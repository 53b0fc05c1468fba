package execctx

import (
	"testing"

	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/memdomain"
	"github.com/stretchr/testify/assert"
)

func TestEntitlement_ClassFromRights(t *testing.T) {
	p := NewPolicy(nil, nil)
	tests := []struct {
		rights capability.Rights
		want   SchedulingClass
	}{
		{capability.RightRead, ClassIdle},
		{capability.RightRead | capability.RightWrite, ClassBatch},
		{capability.RightExec | capability.RightWrite, ClassInteractive},
		{capability.RightRealtime | capability.RightRead, ClassRealtime},
	}
	for _, tt := range tests {
		t.Run(tt.rights.String(), func(t *testing.T) {
			class, _ := p.Entitlement("o", tt.rights)
			assert.Equal(t, tt.want, class)
		})
	}
}

func TestEntitlement_ZeroesUnheldRights(t *testing.T) {
	p := NewPolicy(nil, nil)

	_, l := p.Entitlement("o", capability.RightRealtime)
	assert.Zero(t, l.IPCQuota)
	assert.Equal(t, 1, l.MaxThreads)
	assert.Equal(t, memdomain.SizeSmall.Bytes(), l.MemoryBytes)

	_, l = p.Entitlement("o", capability.RightRealtime|capability.RightIPC|capability.RightSpawn|capability.RightMap)
	assert.Equal(t, DefaultClassTable()[ClassRealtime], l)
}

func TestEntitlement_OwnerCeilingAndDeterminism(t *testing.T) {
	p := NewPolicy(nil, map[string]SchedulingClass{"guest": ClassBatch})

	class, l1 := p.Entitlement("guest", capability.AllRights)
	assert.Equal(t, ClassBatch, class)
	_, l2 := p.Entitlement("guest", capability.AllRights)
	assert.Equal(t, l1, l2)

	class, _ = p.Entitlement("root", capability.AllRights)
	assert.Equal(t, ClassRealtime, class)
}

func TestLimits_WithinAndIntersect(t *testing.T) {
	a := Limits{MemoryBytes: 10, CPUShare: 0.5, MaxThreads: 4, IPCQuota: 2, MaxDuration: 5}
	b := Limits{MemoryBytes: 20, CPUShare: 0.25, MaxThreads: 8, IPCQuota: 1, MaxDuration: 10}

	x := a.Intersect(b)
	assert.Equal(t, Limits{MemoryBytes: 10, CPUShare: 0.25, MaxThreads: 4, IPCQuota: 1, MaxDuration: 5}, x)
	assert.True(t, x.Within(a))
	assert.True(t, x.Within(b))
	assert.False(t, a.Within(b))
}

func TestSizeClassFor(t *testing.T) {
	assert.Equal(t, memdomain.SizeSmall, SizeClassFor(0))
	assert.Equal(t, memdomain.SizeSmall, SizeClassFor(64<<10))
	assert.Equal(t, memdomain.SizeMedium, SizeClassFor(64<<10+1))
	assert.Equal(t, memdomain.SizeLarge, SizeClassFor(1<<40))
}
