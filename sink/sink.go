package sink

import (
	"context"

	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// Sink receives decorated events
// Write and Flush must be safe for concurrent use by all workers
type Sink interface {
	Write(ctx context.Context, event *types.Event) error
	// Flush returns once every event written so far has been delivered
	// a file only counts as processed after a successful Flush
	Flush(ctx context.Context) error
	Close() error
}
