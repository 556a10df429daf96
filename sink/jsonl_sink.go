package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// JSONLSink writes each event as a single JSON line
type JSONLSink struct {
	mut     sync.Mutex
	encoder *json.Encoder
	closer  io.Closer
}

// NewJSONLSink returns a sink writing to w; closer (may be nil) is closed when the sink is closed
func NewJSONLSink(w io.Writer, closer io.Closer) *JSONLSink {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return &JSONLSink{
		encoder: encoder,
		closer:  closer,
	}
}

func (s *JSONLSink) Write(_ context.Context, event *types.Event) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if err := s.encoder.Encode(event.ToMap()); err != nil {
		slog.Error("failed to encode event", "error", err)
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// Flush is a no-op, every Write goes straight to the underlying writer
func (s *JSONLSink) Flush(context.Context) error {
	return nil
}

func (s *JSONLSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
