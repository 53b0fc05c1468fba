package capability

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_InsertRejectsInvalid(t *testing.T) {
	table := NewTable()

	assert.ErrorIs(t, table.Insert(NewToken(), Descriptor{OwnerID: "o", ValidUntil: epoch}), ErrEmptyRights)
	assert.ErrorIs(t, table.Insert(Token{}, descriptor(RightRead)), ErrInvalidToken)

	bad := descriptor(RightRead)
	bad.ValidUntil = bad.ValidFrom
	assert.ErrorIs(t, table.Insert(NewToken(), bad), ErrInvalidWindow)

	noOwner := descriptor(RightRead)
	noOwner.OwnerID = ""
	assert.ErrorIs(t, table.Insert(NewToken(), noOwner), ErrMissingOwner)
	assert.Zero(t, table.Len())
}

func TestTable_InsertNeverOverwrites(t *testing.T) {
	table := NewTable(WithTableClock(clock.NewManual(epoch)))
	tok := NewToken()
	require.NoError(t, table.Insert(tok, descriptor(RightRead)))
	assert.ErrorIs(t, table.Insert(tok, descriptor(AllRights)), ErrTokenExists)

	d, ok := table.Lookup(tok, epoch)
	require.True(t, ok)
	assert.Equal(t, RightRead, d.Rights)
}

func TestTable_InsertReplacesExpiredOccupant(t *testing.T) {
	clk := clock.NewManual(epoch)
	table := NewTable(WithTableClock(clk))
	tok := NewToken()
	require.NoError(t, table.Insert(tok, descriptor(RightRead)))

	// Past ValidUntil but never looked up, so still stored.
	clk.Advance(2 * time.Hour)
	require.Equal(t, 1, table.Len())

	fresh := descriptor(AllRights)
	fresh.ValidFrom = clk.Now()
	fresh.ValidUntil = clk.Now().Add(time.Hour)
	require.NoError(t, table.Insert(tok, fresh))
	assert.Equal(t, 1, table.Len())

	d, ok := table.Lookup(tok, clk.Now())
	require.True(t, ok)
	assert.Equal(t, AllRights, d.Rights)

	assert.ErrorIs(t, table.Insert(tok, descriptor(RightRead)), ErrTokenExists)
}

func TestTable_LookupReturnsCopy(t *testing.T) {
	table := NewTable()
	desc := descriptor(RightRead)
	desc.Bounds = &SpatialBounds{Domains: []string{"user"}}
	tok, err := table.Issue(desc)
	require.NoError(t, err)

	desc.Bounds.Domains[0] = "kernel"
	got, ok := table.Lookup(tok, epoch)
	require.True(t, ok)
	assert.Equal(t, []string{"user"}, got.Bounds.Domains)

	got.Bounds.Domains[0] = "kernel"
	again, _ := table.Lookup(tok, epoch)
	assert.Equal(t, []string{"user"}, again.Bounds.Domains)
}

func TestTable_Sweep(t *testing.T) {
	table := NewTable()
	short := descriptor(RightRead)
	short.ValidUntil = epoch.Add(time.Minute)
	_, err := table.Issue(short)
	require.NoError(t, err)
	_, err = table.Issue(descriptor(RightRead))
	require.NoError(t, err)

	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 1, table.Sweep(epoch.Add(time.Minute)))
	assert.Equal(t, 1, table.Len())
}

func TestToken_ParseAndFingerprint(t *testing.T) {
	tok := NewToken()
	parsed, err := ParseToken(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)

	_, err = ParseToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = ParseToken("00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, tok.Fingerprint(), parsed.Fingerprint())
	assert.NotEqual(t, tok.Fingerprint(), NewToken().Fingerprint())
	assert.NotContains(t, tok.Fingerprint(), tok.String())
}

func TestRights(t *testing.T) {
	r, err := ParseRights("read, write|exec")
	require.NoError(t, err)
	assert.Equal(t, RightRead|RightWrite|RightExec, r)
	assert.Equal(t, "read|write|exec", r.String())
	assert.Equal(t, 3, r.Count())

	assert.True(t, r.Has(RightRead|RightWrite))
	assert.False(t, r.Has(RightRead|RightAdmin))
	assert.False(t, r.Has(0))

	_, err = ParseRights("read,fly")
	assert.Error(t, err)
	assert.Equal(t, "none", Rights(0).String())
}
