package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

func TestJSONLSink_Write(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLSink(&buf, nil)

	e := types.NewMessageEvent("hello <world>")
	e.Metadata["s3"] = map[string]any{"bucket_name": "b"}
	require.NoError(t, s.Write(context.Background(), e))
	require.NoError(t, s.Write(context.Background(), types.NewMessageEvent("second")))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "hello <world>", first["message"])
	assert.Equal(t, map[string]any{"s3": map[string]any{"bucket_name": "b"}}, first["@metadata"])
	assert.NotContains(t, lines[1], "@metadata")
}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink(1)
	require.NoError(t, s.Write(context.Background(), types.NewMessageEvent("a")))

	// buffer full: a cancelled write returns the cancellation cause
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("stop")
	cancel(stop)
	assert.ErrorIs(t, s.Write(ctx, types.NewMessageEvent("b")), stop)

	e := <-s.Events()
	m, _ := e.Message()
	assert.Equal(t, "a", m)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(context.Background(), types.NewMessageEvent("c")), ErrClosed)
	_, ok := <-s.Events()
	assert.False(t, ok)
}

type fakeCloudWatch struct {
	mut         sync.Mutex
	createErr   error
	putErr      error
	batches     [][]cwtypes.InputLogEvent
	streamsMade int
}

func (f *fakeCloudWatch) CreateLogStream(_ context.Context, _ *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.streamsMade++
	return &cloudwatchlogs.CreateLogStreamOutput{}, f.createErr
}

func (f *fakeCloudWatch) PutLogEvents(_ context.Context, params *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.batches = append(f.batches, append([]cwtypes.InputLogEvent(nil), params.LogEvents...))
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func TestCloudWatchSink_Batches(t *testing.T) {
	ctx := context.Background()
	client := &fakeCloudWatch{createErr: &cwtypes.ResourceAlreadyExistsException{Message: aws.String("exists")}}
	s, err := NewCloudWatchSink(ctx, client, "group", "stream", 2)
	require.NoError(t, err)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, s.Write(ctx, types.NewMessageEvent(m)))
	}
	require.Len(t, client.batches, 1)
	assert.Len(t, client.batches[0], 2)

	require.NoError(t, s.Close())
	require.Len(t, client.batches, 2)
	assert.JSONEq(t, `{"message":"c"}`, *client.batches[1][0].Message)
}

func TestCloudWatchSink_FailedFlushIsRetried(t *testing.T) {
	ctx := context.Background()
	client := &fakeCloudWatch{}
	s, err := NewCloudWatchSink(ctx, client, "group", "stream", 1)
	require.NoError(t, err)

	client.putErr = errors.New("throttled")
	assert.Error(t, s.Write(ctx, types.NewMessageEvent("a")))

	client.putErr = nil
	require.NoError(t, s.Write(ctx, types.NewMessageEvent("b")))
	require.Len(t, client.batches, 1)
	assert.Len(t, client.batches[0], 2)
}

func TestCloudWatchSink_Flush(t *testing.T) {
	ctx := context.Background()
	client := &fakeCloudWatch{}
	s, err := NewCloudWatchSink(ctx, client, "group", "stream", 100)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, types.NewMessageEvent("a")))
	assert.Empty(t, client.batches)

	require.NoError(t, s.Flush(ctx))
	require.Len(t, client.batches, 1)
	assert.JSONEq(t, `{"message":"a"}`, *client.batches[0][0].Message)

	// nothing buffered, nothing sent
	require.NoError(t, s.Flush(ctx))
	assert.Len(t, client.batches, 1)
}

func TestCloudWatchSink_FullBufferRefusesEvents(t *testing.T) {
	ctx := context.Background()
	client := &fakeCloudWatch{}
	s, err := NewCloudWatchSink(ctx, client, "group", "stream", maxCloudWatchBatchSize)
	require.NoError(t, err)

	client.putErr = errors.New("unavailable")
	for i := 0; i < maxCloudWatchBatchSize-1; i++ {
		require.NoError(t, s.Write(ctx, types.NewMessageEvent("buffered")))
	}
	// fills the buffer and fails to flush it
	assert.Error(t, s.Write(ctx, types.NewMessageEvent("last")))
	// refused, nothing already buffered is dropped
	assert.Error(t, s.Write(ctx, types.NewMessageEvent("refused")))
	assert.Error(t, s.Flush(ctx))

	client.putErr = nil
	require.NoError(t, s.Flush(ctx))
	require.Len(t, client.batches, 1)
	batch := client.batches[0]
	require.Len(t, batch, maxCloudWatchBatchSize)
	assert.JSONEq(t, `{"message":"buffered"}`, *batch[0].Message)
	assert.JSONEq(t, `{"message":"last"}`, *batch[maxCloudWatchBatchSize-1].Message)
}

func TestNewCloudWatchSink_CreateError(t *testing.T) {
	_, err := NewCloudWatchSink(context.Background(), &fakeCloudWatch{createErr: errors.New("denied")}, "g", "s", 1)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "nil is stdout", config: nil},
		{name: "default type", config: &Config{}},
		{name: "file without path", config: &Config{Type: TypeFile}, wantErr: true},
		{name: "file", config: &Config{Type: TypeFile, Path: aws.String("/tmp/x.jsonl")}},
		{name: "cloudwatch without stream", config: &Config{Type: TypeCloudWatch, LogGroup: aws.String("g")}, wantErr: true},
		{name: "cloudwatch batch too large", config: &Config{Type: TypeCloudWatch, LogGroup: aws.String("g"), LogStream: aws.String("s"), BatchSize: aws.Int(20000)}, wantErr: true},
		{name: "cloudwatch", config: &Config{Type: TypeCloudWatch, LogGroup: aws.String("g"), LogStream: aws.String("s")}},
		{name: "unknown", config: &Config{Type: "kafka"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
