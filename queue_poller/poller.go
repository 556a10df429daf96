package queue_poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/context_values"
	"github.com/turbot/tailpipe-s3-sqs-ingest/metrics"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// SQSAPI is the subset of the SQS client used by the poller
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// Handler processes a single object notification record
// a nil return means the record is complete; any error leaves the message on the queue for redelivery
type Handler func(ctx context.Context, ref types.ObjectReference) error

type Options struct {
	QueueUrl          string
	VisibilityTimeout time.Duration
	MaxProcessingTime time.Duration
	// long poll wait in seconds; nil uses the queue's receive wait time
	WaitTimeSeconds *int32
	// leave completed messages on the queue
	SkipDelete bool
	// delete messages which reach the maximum processing time, rather than leaving them for redelivery
	DeleteOnLeaseExhausted bool
	// nil detects SNS wrapped notifications automatically
	FromSns      *bool
	FolderMode   types.FolderMode
	FolderPrefix string
}

// Poller receives notifications from the queue one message at a time and passes each record to the handler
// each worker owns its own Poller
type Poller struct {
	client  SQSAPI
	opts    Options
	parser  *envelopeParser
	backoff *Backoff
	metrics *metrics.Metrics
}

func New(client SQSAPI, opts Options, backoff *Backoff, m *metrics.Metrics) *Poller {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = constants.DefaultVisibilityTimeout
	}
	if opts.MaxProcessingTime <= 0 {
		opts.MaxProcessingTime = constants.DefaultMaxProcessingTime
	}
	if backoff == nil {
		backoff = NewBackoff(constants.DefaultBackoffInitial, constants.DefaultBackoffMax)
	}
	return &Poller{
		client: client,
		opts:   opts,
		parser: &envelopeParser{
			fromSns:      opts.FromSns,
			folderMode:   opts.FolderMode,
			folderPrefix: opts.FolderPrefix,
		},
		backoff: backoff,
		metrics: m,
	}
}

// Run polls until the context is cancelled
// queue errors are retried with backoff; Run only returns once stopped
func (p *Poller) Run(ctx context.Context, handler Handler) error {
	logger := context_values.LoggerFromContext(ctx).With("queue", p.opts.QueueUrl)
	logger.Info("starting queue poller")

	for {
		if ctx.Err() != nil {
			logger.Info("stopping queue poller")
			return nil
		}

		err := p.poll(ctx, handler)
		if err == nil {
			p.backoff.Reset()
			continue
		}
		if ctx.Err() != nil {
			// the long poll was interrupted by shutdown
			continue
		}

		var queueErr *QueueError
		if !errors.As(err, &queueErr) {
			return err
		}
		p.metrics.QueueError(queueErr.Op)
		logger.Warn("queue request failed, retrying with backoff", "sleep", p.backoff.Next().String(), "error", err)
		if err := p.backoff.Wait(ctx); err != nil {
			continue
		}
	}
}

// poll receives and handles at most one message
func (p *Poller) poll(ctx context.Context, handler Handler) error {
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(p.opts.QueueUrl),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     aws.ToInt32(p.opts.WaitTimeSeconds),
		VisibilityTimeout:   visibilitySeconds(p.opts.VisibilityTimeout),
	})
	if err != nil {
		return &QueueError{Op: "receive", Err: err}
	}
	for _, msg := range out.Messages {
		if err := p.handleMessage(ctx, msg, handler); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) handleMessage(ctx context.Context, msg sqstypes.Message, handler Handler) error {
	logger := context_values.LoggerFromContext(ctx).With("message_id", aws.ToString(msg.MessageId))
	p.metrics.MessageReceived()
	start := time.Now()

	refs, hasRecords, err := p.parser.parse(aws.ToString(msg.Body))
	if err != nil {
		logger.Error("failed to parse message, leaving it for redelivery", "error", err)
		p.metrics.MessageRedelivered()
		return nil
	}
	if !hasRecords {
		logger.Debug("message is not an object notification, deleting it")
		return p.deleteMessage(ctx, msg, metrics.DeleteNoise)
	}

	handlerCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchdog := &leaseWatchdog{
		client:            p.client,
		queueUrl:          p.opts.QueueUrl,
		receiptHandle:     aws.ToString(msg.ReceiptHandle),
		window:            p.opts.VisibilityTimeout,
		maxProcessingTime: p.opts.MaxProcessingTime,
		deleteOnExhausted: p.opts.DeleteOnLeaseExhausted,
		cancelHandler:     cancel,
		metrics:           p.metrics,
		logger:            logger,
	}
	watchdog.start(ctx)

	var handlerErr error
	for _, ref := range refs {
		if handlerErr = handler(handlerCtx, ref); handlerErr != nil {
			break
		}
	}
	exhausted, deleted := watchdog.stop()

	logger.Debug("handled message", "records", len(refs), "duration", time.Since(start).String())
	switch {
	case deleted:
		// already deleted by the watchdog
		return nil
	case handlerErr != nil:
		if exhausted {
			handlerErr = errors.Join(handlerErr, ErrLeaseExhausted)
		}
		logger.Warn("message not completed, leaving it for redelivery", "error", handlerErr)
		p.metrics.MessageRedelivered()
		return nil
	case p.opts.SkipDelete:
		return nil
	}
	// the work is done, acknowledge it even if we are shutting down
	return p.deleteMessage(context.WithoutCancel(ctx), msg, metrics.DeleteProcessed)
}

func (p *Poller) deleteMessage(ctx context.Context, msg sqstypes.Message, reason string) error {
	_, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.opts.QueueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		return &QueueError{Op: "delete", Err: err}
	}
	p.metrics.MessageDeleted(reason)
	return nil
}

// ResolveQueueUrl returns the queue URL for a queue name, or the queue itself if it is already a URL
func ResolveQueueUrl(ctx context.Context, client SQSAPI, queue string, ownerAccountId *string) (string, error) {
	if u, err := url.Parse(queue); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return queue, nil
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName:              aws.String(queue),
		QueueOwnerAWSAccountId: ownerAccountId,
	})
	if err != nil {
		slog.Error("cannot resolve queue url", "queue", queue, "error", err)
		return "", fmt.Errorf("failed to resolve queue %s, verify the queue name and credentials: %w", queue, err)
	}
	return aws.ToString(out.QueueUrl), nil
}
