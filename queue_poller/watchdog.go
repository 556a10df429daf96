package queue_poller

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/metrics"
)

type leaseOutcome int

const (
	leasePending leaseOutcome = iota
	leaseCompleted
	leaseExhausted
)

// leaseWatchdog keeps an in-flight message invisible while it is being handled
// shortly before the visibility window ends it extends the window, doubling it each time,
// until the maximum processing time is reached; the handler is then cancelled with ErrLeaseExhausted
type leaseWatchdog struct {
	client            SQSAPI
	queueUrl          string
	receiptHandle     string
	window            time.Duration
	maxProcessingTime time.Duration
	deleteOnExhausted bool
	cancelHandler     context.CancelCauseFunc
	metrics           *metrics.Metrics
	logger            *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mut        sync.Mutex
	outcome    leaseOutcome
	deleted    bool
	extensions []time.Duration
}

// start runs the watchdog until stop is called or the lease is exhausted
func (w *leaseWatchdog) start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go func() {
		defer close(w.doneCh)
		w.run(ctx)
	}()
}

func (w *leaseWatchdog) run(ctx context.Context) {
	started := time.Now()
	deadline := started.Add(w.maxProcessingTime)
	window := w.window
	windowStart := started

	for {
		wake := windowStart.Add(time.Duration(float64(window) * constants.LeaseExtensionWindowFraction))
		// the final window ends at the deadline, there is nothing left to extend
		if !wake.Before(deadline) || !windowStart.Add(window).Before(deadline) {
			wake = deadline
		}
		if !w.sleepUntil(ctx, wake) {
			return
		}

		now := time.Now()
		if !now.Before(deadline) {
			w.exhaust(ctx)
			return
		}

		window = min(2*window, deadline.Sub(now), constants.MaxSqsVisibilityTimeout)
		windowStart = now
		w.extend(ctx, window)
	}
}

// sleepUntil returns false if the watchdog was stopped or the context cancelled
func (w *leaseWatchdog) sleepUntil(ctx context.Context, t time.Time) bool {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *leaseWatchdog) extend(ctx context.Context, window time.Duration) {
	_, err := w.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(w.queueUrl),
		ReceiptHandle:     aws.String(w.receiptHandle),
		VisibilityTimeout: visibilitySeconds(window),
	})
	if err != nil {
		// keep to the schedule, the next extension may succeed
		w.logger.Warn("failed to extend message visibility", "visibility", window.String(), "error", err)
		w.metrics.QueueError("change_visibility")
		return
	}

	w.mut.Lock()
	w.extensions = append(w.extensions, window)
	w.mut.Unlock()
	w.metrics.LeaseExtended()

	if window > 10*time.Minute {
		w.logger.Warn("extended visibility of a long running message", "visibility", window.String())
	} else {
		w.logger.Debug("extended message visibility", "visibility", window.String())
	}
}

func (w *leaseWatchdog) exhaust(ctx context.Context) {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.outcome != leasePending {
		return
	}
	w.outcome = leaseExhausted
	w.metrics.LeaseExhausted()
	w.logger.Error("maximum processing time reached", "max_processing_time", w.maxProcessingTime.String(), "delete", w.deleteOnExhausted)

	if w.deleteOnExhausted {
		// the handler is about to be cancelled; the delete must not be
		_, err := w.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(w.queueUrl),
			ReceiptHandle: aws.String(w.receiptHandle),
		})
		if err != nil {
			w.logger.Error("failed to delete message after maximum processing time", "error", err)
			w.metrics.QueueError("delete")
		} else {
			w.deleted = true
			w.metrics.MessageDeleted(metrics.DeleteLeaseExhausted)
		}
	}
	w.cancelHandler(ErrLeaseExhausted)
}

// stop ends the watchdog and returns whether the lease was exhausted and whether the watchdog deleted the message
func (w *leaseWatchdog) stop() (exhausted bool, deleted bool) {
	w.mut.Lock()
	if w.outcome == leasePending {
		w.outcome = leaseCompleted
	}
	w.mut.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mut.Lock()
	defer w.mut.Unlock()
	return w.outcome == leaseExhausted, w.deleted
}

func (w *leaseWatchdog) extensionHistory() []time.Duration {
	w.mut.Lock()
	defer w.mut.Unlock()
	return append([]time.Duration(nil), w.extensions...)
}

// visibility is set in whole seconds, rounded up so the window is never shortened
func visibilitySeconds(d time.Duration) int32 {
	return int32(math.Ceil(d.Seconds()))
}
