package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

var ErrClosed = errors.New("sink closed")

// ChannelSink hands events to an in-process consumer
type ChannelSink struct {
	events chan *types.Event

	mut    sync.RWMutex
	closed bool
}

func NewChannelSink(bufferSize int) *ChannelSink {
	return &ChannelSink{events: make(chan *types.Event, bufferSize)}
}

// Events returns the channel events are delivered on; it is closed when the sink is closed
func (s *ChannelSink) Events() <-chan *types.Event {
	return s.events
}

func (s *ChannelSink) Write(ctx context.Context, event *types.Event) error {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Flush is a no-op, Write only returns once the event is on the channel
func (s *ChannelSink) Flush(context.Context) error {
	return nil
}

// Close closes the events channel; it waits for any blocked writes to complete or be cancelled
func (s *ChannelSink) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
