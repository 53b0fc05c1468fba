package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous hash of the first entry in a chain.
const GenesisHash = "genesis"

var (
	ErrChainBroken = errors.New("audit chain integrity violation")
	ErrSinkClosed  = errors.New("audit sink closed")
)

// Entry is a record placed in the hash chain.
type Entry struct {
	Sequence     uint64 `json:"sequence"`
	Record       Record `json:"record"`
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}

// MemorySink is an append-only, hash-chained, in-memory sink.
// Each entry hashes the JCS canonical form of its record together with its sequence
// and predecessor hash, so any mutation of history breaks VerifyChain.
type MemorySink struct {
	mu       sync.RWMutex
	entries  []Entry
	head     string
	closed   bool
	handlers []func(Entry)
}

// NewMemorySink creates an empty chain.
func NewMemorySink() *MemorySink {
	return &MemorySink{head: GenesisHash}
}

// Append implements Sink.
func (s *MemorySink) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec = prepare(rec)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	entry := Entry{
		Sequence:     uint64(len(s.entries)) + 1,
		Record:       rec,
		PreviousHash: s.head,
	}
	hash, err := entryHash(entry)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.EntryHash = hash
	s.entries = append(s.entries, entry)
	s.head = hash
	handlers := s.handlers
	s.mu.Unlock()

	for _, h := range handlers {
		h(entry)
	}
	return nil
}

// OnAppend registers a callback invoked after every successful append.
func (s *MemorySink) OnAppend(h func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Close rejects further appends.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of entries.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Head returns the hash of the latest entry, or GenesisHash when empty.
func (s *MemorySink) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Entries returns a copy of the chain.
func (s *MemorySink) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Since returns entries with Sequence > seq.
func (s *MemorySink) Since(seq uint64) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return nil
	}
	out := make([]Entry, len(s.entries)-int(seq))
	copy(out, s.entries[seq:])
	return out
}

// Filter selects entries for Query.
type Filter struct {
	Kind    Kind
	Token   string
	Outcome Outcome
	Start   time.Time
	End     time.Time
	Limit   int
}

func (f Filter) matches(e Entry) bool {
	r := e.Record
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Token != "" && r.Token != f.Token {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && r.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Query returns entries matching the filter in chain order.
func (s *MemorySink) Query(f Filter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// VerifyChain recomputes every hash and checks linkage.
func (s *MemorySink) VerifyChain() error {
	return VerifyEntries(s.Entries(), GenesisHash)
}

// VerifyEntries checks a contiguous run of entries starting after prev.
func VerifyEntries(entries []Entry, prev string) error {
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, computed, e.EntryHash)
		}
		prev = e.EntryHash
	}
	return nil
}

func entryHash(e Entry) (string, error) {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		Record       Record `json:"record"`
		PreviousHash string `json:"previous_hash"`
	}{e.Sequence, e.Record, e.PreviousHash}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
