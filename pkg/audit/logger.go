package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// WriterSink writes one JSON document per record, prefixed with "AUDIT: " for easy
// filtering in mixed log streams.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a sink writing to w, or os.Stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Append(ctx context.Context, rec Record) error {
	rec = prepare(rec)
	bytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
