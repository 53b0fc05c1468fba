package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/capkernel/pkg/audit"
)

// Archiver seals the unarchived tail of a memory chain into JSONL segments.
// Segments are contiguous: each one links to the last hash of the previous segment.
type Archiver struct {
	chain  *audit.MemorySink
	store  BlobStore
	logger *slog.Logger

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
}

func NewArchiver(chain *audit.MemorySink, store BlobStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		chain:    chain,
		store:    store,
		logger:   logger.With("component", "audit.archive"),
		lastHash: audit.GenesisHash,
	}
}

// SegmentKey names the object holding sequences [first, last].
func SegmentKey(first, last uint64) string {
	return fmt.Sprintf("segments/%020d-%020d.jsonl", first, last)
}

// Flush writes every entry appended since the previous flush. It returns the segment
// key, or "" when there was nothing to write. The tail is verified against the last
// archived hash before upload; a broken link is never archived.
func (a *Archiver) Flush(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.chain.Since(a.lastSeq)
	if len(entries) == 0 {
		return "", nil
	}
	if err := audit.VerifyEntries(entries, a.lastHash); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("archive: encode entry %d: %w", e.Sequence, err)
		}
	}

	first, last := entries[0].Sequence, entries[len(entries)-1].Sequence
	key := SegmentKey(first, last)
	if err := a.store.Put(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}

	a.lastSeq = last
	a.lastHash = entries[len(entries)-1].EntryHash
	a.logger.InfoContext(ctx, "audit segment archived", "key", key, "entries", len(entries))
	return key, nil
}

// Archived returns the last archived sequence number.
func (a *Archiver) Archived() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// ReadSegment loads and decodes a segment.
func ReadSegment(ctx context.Context, store BlobStore, key string) ([]audit.Entry, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []audit.Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("archive: decode %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
