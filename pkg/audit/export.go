package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start must be before end")
	// ErrChainNotConfigured is returned when export is invoked without a backing chain.
	ErrChainNotConfigured = errors.New("audit: chain not configured (fail-closed)")
)

// ExportRequest defines what to export. Empty fields match everything.
type ExportRequest struct {
	Token string    `json:"token,omitempty"`
	Kind  Kind      `json:"kind,omitempty"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Exporter builds evidence packs from a MemorySink.
type Exporter struct {
	chain *MemorySink
	clk   clock.Clock
}

// NewExporter exports from chain, stamping packs with clk (wall time when nil).
func NewExporter(chain *MemorySink, clk clock.Clock) *Exporter {
	return &Exporter{chain: chain, clk: clock.OrWall(clk)}
}

// GeneratePack creates a zip holding the matching entries and a manifest, and returns
// it with its SHA-256 checksum. The chain is verified first; a broken chain is not exported.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.Start.IsZero() && !req.End.IsZero() && req.Start.After(req.End) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.chain == nil {
		return nil, "", ErrChainNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if err := e.chain.VerifyChain(); err != nil {
		return nil, "", err
	}

	entries := e.chain.Query(Filter{Kind: req.Kind, Token: req.Token, Start: req.Start, End: req.End})
	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", err
	}

	generated := e.clk.Now().UTC()
	manifest := map[string]any{
		"generated_at": generated,
		"entry_count":  len(entries),
		"chain_head":   e.chain.Head(),
		"filter":       req,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"entries.json", entriesJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
