package queue_poller

import (
	"errors"
	"fmt"
)

// ErrLeaseExhausted is the cause of handler cancellation when a message reaches the maximum processing time
var ErrLeaseExhausted = errors.New("message lease exhausted: maximum processing time reached")

// QueueError is a failure of a queue API call; only these errors are retried with backoff
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s failed: %s", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}
