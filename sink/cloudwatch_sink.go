package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// CloudWatchLogsAPI is the subset of the CloudWatch Logs client used by CloudWatchSink
type CloudWatchLogsAPI interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchSink batches events and sends them to a CloudWatch log stream
type CloudWatchSink struct {
	client    CloudWatchLogsAPI
	logGroup  string
	logStream string
	batchSize int

	mut   sync.Mutex
	batch []cwtypes.InputLogEvent
}

// NewCloudWatchSink creates the log stream if it does not already exist
func NewCloudWatchSink(ctx context.Context, client CloudWatchLogsAPI, logGroup, logStream string, batchSize int) (*CloudWatchSink, error) {
	_, err := client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(logGroup),
		LogStreamName: aws.String(logStream),
	})
	var exists *cwtypes.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return nil, fmt.Errorf("failed to create log stream %s/%s: %w", logGroup, logStream, err)
	}
	return &CloudWatchSink{
		client:    client,
		logGroup:  logGroup,
		logStream: logStream,
		batchSize: batchSize,
	}, nil
}

func (s *CloudWatchSink) Write(ctx context.Context, event *types.Event) error {
	message, err := json.Marshal(event.ToMap())
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if len(s.batch) >= maxCloudWatchBatchSize {
		// the buffer is full of events from failed flushes, make room before accepting more
		if err := s.flush(ctx); err != nil {
			return err
		}
	}
	s.batch = append(s.batch, cwtypes.InputLogEvent{
		Message:   aws.String(string(message)),
		Timestamp: aws.Int64(time.Now().UnixMilli()),
	})
	if len(s.batch) < s.batchSize {
		return nil
	}
	return s.flush(ctx)
}

// Flush sends the buffered events
func (s *CloudWatchSink) Flush(ctx context.Context) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.flush(ctx)
}

// Close sends any buffered events
func (s *CloudWatchSink) Close() error {
	return s.Flush(context.Background())
}

// flush keeps the batch on failure, so its events are resent by the next flush
// the buffer never exceeds the PutLogEvents limit, Write refuses events while it is full
func (s *CloudWatchSink) flush(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}
	_, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.logGroup),
		LogStreamName: aws.String(s.logStream),
		LogEvents:     s.batch,
	})
	if err != nil {
		slog.Warn("failed to put log events", "log_group", s.logGroup, "log_stream", s.logStream, "events", len(s.batch), "error", err)
		return fmt.Errorf("failed to put log events: %w", err)
	}
	slog.Debug("put log events", "log_group", s.logGroup, "log_stream", s.logStream, "events", len(s.batch))
	s.batch = nil
	return nil
}
