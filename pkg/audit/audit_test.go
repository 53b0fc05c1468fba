package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
	"github.com/Mindburn-Labs/capkernel/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterSink_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	sink := audit.NewWriterSink(&buf)

	err := sink.Append(context.Background(), audit.Record{
		Kind:      audit.KindValidation,
		Token:     "fp-1",
		Operation: "read",
		Outcome:   audit.OutcomeAllow,
	})
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var rec audit.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &rec))
	assert.Equal(t, audit.KindValidation, rec.Kind)
	assert.Equal(t, audit.OutcomeAllow, rec.Outcome)
	assert.Len(t, rec.ID, 36)
	assert.False(t, rec.Timestamp.IsZero())
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, audit.Record) error { return f.err }

func TestTee_AttemptsAllSinks(t *testing.T) {
	chain := audit.NewMemorySink()
	boom := errors.New("disk full")

	err := audit.Tee(failingSink{boom}, chain).Append(context.Background(), audit.Record{Kind: audit.KindDispatch})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, chain.Len())

	err = audit.Tee().Append(context.Background(), audit.Record{})
	assert.ErrorIs(t, err, audit.ErrNoSink)
}

func TestTrail_StampsCallAndToken(t *testing.T) {
	chain := audit.NewMemorySink()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	trail := audit.NewTrail(chain, clk, "call-7", "fp-7")

	require.NoError(t, trail.Append(context.Background(), audit.Record{
		Kind:    audit.KindContext,
		Outcome: audit.OutcomeOK,
		Token:   "ignored",
	}))
	assert.Equal(t, 1, trail.Len())
	assert.Equal(t, "call-7", trail.CallID())

	rec := chain.Entries()[0].Record
	assert.Equal(t, "call-7", rec.CallID)
	assert.Equal(t, "fp-7", rec.Token)
	assert.Equal(t, clk.Now(), rec.Timestamp)

	trail.Close()
	trail.Close()
	err := trail.Append(context.Background(), audit.Record{Kind: audit.KindDispatch})
	assert.ErrorIs(t, err, audit.ErrTrailClosed)
	assert.Equal(t, 1, chain.Len())
}

func TestTrail_PropagatesSinkFailure(t *testing.T) {
	boom := errors.New("unavailable")
	trail := audit.NewTrail(failingSink{boom}, nil, "c", "t")
	assert.ErrorIs(t, trail.Append(context.Background(), audit.Record{}), boom)
	assert.Equal(t, 0, trail.Len())

	assert.ErrorIs(t, audit.NewTrail(nil, nil, "c", "t").Append(context.Background(), audit.Record{}), audit.ErrNoSink)
}

func TestExporter_GeneratePack(t *testing.T) {
	ctx := context.Background()
	chain := audit.NewMemorySink()
	for _, tok := range []string{"a", "b", "a"} {
		require.NoError(t, chain.Append(ctx, audit.Record{Kind: audit.KindValidation, Token: tok, Outcome: audit.OutcomeAllow}))
	}

	data, checksum, err := audit.NewExporter(chain, clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))).GeneratePack(ctx, audit.ExportRequest{Token: "a"})
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := map[string]*zip.File{}
	for _, f := range zr.File {
		names[f.Name] = f
	}
	require.Contains(t, names, "entries.json")
	require.Contains(t, names, "manifest.json")

	rc, err := names["entries.json"].Open()
	require.NoError(t, err)
	defer rc.Close()
	var entries []audit.Entry
	require.NoError(t, json.NewDecoder(rc).Decode(&entries))
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "a", e.Record.Token)
	}

	mf, err := names["manifest.json"].Open()
	require.NoError(t, err)
	defer mf.Close()
	var manifest struct {
		GeneratedAt time.Time `json:"generated_at"`
		EntryCount  int       `json:"entry_count"`
	}
	require.NoError(t, json.NewDecoder(mf).Decode(&manifest))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), manifest.GeneratedAt)
	assert.Equal(t, 2, manifest.EntryCount)
}

func TestExporter_RejectsBadRequests(t *testing.T) {
	now := time.Now()
	_, _, err := audit.NewExporter(audit.NewMemorySink(), nil).GeneratePack(context.Background(),
		audit.ExportRequest{Start: now, End: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)

	_, _, err = audit.NewExporter(nil, nil).GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrChainNotConfigured)
}
