package execctx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/capability"
	"github.com/Mindburn-Labs/capkernel/pkg/errorir"
	"github.com/Mindburn-Labs/capkernel/pkg/memdomain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grant(r capability.Rights) Grant {
	now := time.Now()
	return Grant{
		Token: capability.NewToken(),
		Descriptor: capability.Descriptor{
			Rights:     r,
			ValidFrom:  now.Add(-time.Minute),
			ValidUntil: now.Add(time.Minute),
			OwnerID:    "owner",
		},
		Operation: capability.RightRead,
	}
}

func generousPool() *memdomain.Pool {
	return memdomain.NewPool(memdomain.Quotas{Small: 8, Medium: 8, Large: 8})
}

func TestBuild_AllocatesAndReleases(t *testing.T) {
	pool := generousPool()
	sink := audit.NewMemorySink()
	b := NewBuilder(NewPolicy(nil, nil), pool, sink)

	g := grant(capability.RightRead | capability.RightExec | capability.RightMap)
	c, err := b.Build(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, ClassInteractive, c.Class)
	assert.Equal(t, memdomain.SizeMedium, c.SizeClass)
	assert.Equal(t, "owner", c.Owner)
	assert.NotEmpty(t, c.CallID)
	assert.Equal(t, 1, pool.Live())
	assert.Equal(t, 1, c.Trail.Len())

	rec := sink.Entries()[0].Record
	assert.Equal(t, audit.KindContext, rec.Kind)
	assert.Equal(t, g.Token.Fingerprint(), rec.Token)
	assert.Equal(t, c.CallID, rec.CallID)

	require.NoError(t, c.Release())
	require.NoError(t, c.Release())
	assert.Zero(t, pool.Live())
	assert.ErrorIs(t, c.Trail.Append(context.Background(), audit.Record{}), audit.ErrTrailClosed)
}

func TestBuild_AllocationError(t *testing.T) {
	pool := memdomain.NewPool(memdomain.Quotas{})
	b := NewBuilder(NewPolicy(nil, nil), pool, audit.NewMemorySink())

	_, err := b.Build(context.Background(), grant(capability.RightRead))
	require.ErrorIs(t, err, errorir.ErrAllocation)
	assert.ErrorIs(t, err, memdomain.ErrExhausted)
}

type cancellingAllocator struct {
	*memdomain.Pool
	cancel context.CancelFunc
}

func (a cancellingAllocator) Allocate(ctx context.Context, c SizeClass) (DomainHandle, error) {
	h, err := a.Pool.Allocate(ctx, c)
	a.cancel()
	return h, err
}

func TestBuild_TimeoutAfterAllocationReleasesDomain(t *testing.T) {
	pool := generousPool()
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBuilder(NewPolicy(nil, nil), cancellingAllocator{pool, cancel}, audit.NewMemorySink())

	_, err := b.Build(ctx, grant(capability.RightRead))
	require.ErrorIs(t, err, errorir.ErrTimeout)
	assert.Zero(t, pool.Live())
}

type blockingAllocator struct{}

func (blockingAllocator) Allocate(ctx context.Context, _ SizeClass) (DomainHandle, error) {
	<-ctx.Done()
	return DomainHandle{}, ctx.Err()
}

func (blockingAllocator) Release(DomainHandle) error { return nil }

func TestBuild_TimeoutDuringAllocation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	b := NewBuilder(NewPolicy(nil, nil), blockingAllocator{}, audit.NewMemorySink())

	_, err := b.Build(ctx, grant(capability.RightRead))
	require.ErrorIs(t, err, errorir.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type rejectingSink struct{}

func (rejectingSink) Append(context.Context, audit.Record) error { return errors.New("sink down") }

func TestBuild_AuditFailureReleasesDomain(t *testing.T) {
	pool := generousPool()
	b := NewBuilder(NewPolicy(nil, nil), pool, rejectingSink{})

	_, err := b.Build(context.Background(), grant(capability.RightRead))
	require.ErrorIs(t, err, errorir.ErrSecurityViolation)
	assert.Equal(t, ReasonAuditUnavailable, errorir.DetailOf(err))
	assert.Zero(t, pool.Live())
}

func TestBuild_HooksCanOnlyNarrow(t *testing.T) {
	pool := generousPool()
	widen := HookFunc(func(_ context.Context, v View) (Restriction, error) {
		huge := Limits{MemoryBytes: 1 << 40, CPUShare: 10, MaxThreads: 1000, IPCQuota: 1000, MaxDuration: time.Hour}
		rt := ClassRealtime
		return Restriction{MaxClass: &rt, Limits: &huge}, nil
	})
	narrow := HookFunc(func(_ context.Context, v View) (Restriction, error) {
		return Restriction{Limits: &Limits{MemoryBytes: 1024, CPUShare: 1, MaxThreads: 100, IPCQuota: 100, MaxDuration: time.Hour}}, nil
	})
	b := NewBuilder(NewPolicy(nil, nil), pool, audit.NewMemorySink(), WithHooks(widen, narrow))

	g := grant(capability.RightWrite | capability.RightMap)
	class, ent := NewPolicy(nil, nil).Entitlement("owner", g.Descriptor.Rights)

	c, err := b.Build(context.Background(), g)
	require.NoError(t, err)
	defer c.Release()

	assert.Equal(t, class, c.Class)
	assert.True(t, c.Limits.Within(ent))
	assert.Equal(t, uint64(1024), c.Limits.MemoryBytes)
	assert.Equal(t, memdomain.SizeSmall, c.SizeClass)
}

func TestBuild_HookDenyAndError(t *testing.T) {
	pool := generousPool()
	sink := audit.NewMemorySink()

	deny := HookFunc(func(context.Context, View) (Restriction, error) {
		return Restriction{Deny: true, Reason: "quarantine"}, nil
	})
	_, err := NewBuilder(NewPolicy(nil, nil), pool, sink, WithHooks(deny)).Build(context.Background(), grant(capability.RightRead))
	require.ErrorIs(t, err, errorir.ErrSecurityViolation)
	assert.Contains(t, errorir.DetailOf(err), ReasonPolicyDenied)

	broken := HookFunc(func(context.Context, View) (Restriction, error) {
		return Restriction{}, errors.New("policy backend down")
	})
	_, err = NewBuilder(NewPolicy(nil, nil), pool, sink, WithHooks(broken)).Build(context.Background(), grant(capability.RightRead))
	require.ErrorIs(t, err, errorir.ErrSecurityViolation)
	assert.Equal(t, ReasonPolicyError, errorir.DetailOf(err))

	assert.Zero(t, pool.Live())
	assert.Len(t, sink.Query(audit.Filter{Outcome: audit.OutcomeDeny}), 2)
}

func TestBuild_WithCELPolicy(t *testing.T) {
	cel, err := NewCELPolicy([]CELRule{{Name: "cap-guests", When: `owner == "owner"`, MaxClass: "idle", MaxThreads: 1}})
	require.NoError(t, err)
	b := NewBuilder(NewPolicy(nil, nil), generousPool(), audit.NewMemorySink(), WithHooks(cel))

	c, err := b.Build(context.Background(), grant(capability.RightExec|capability.RightSpawn))
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, ClassIdle, c.Class)
	assert.Equal(t, 1, c.Limits.MaxThreads)
}
