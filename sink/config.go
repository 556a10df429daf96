package sink

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/mitchellh/go-homedir"
	typehelpers "github.com/turbot/go-kit/types"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
)

const (
	TypeStdout     = "stdout"
	TypeFile       = "file"
	TypeCloudWatch = "cloudwatch"

	defaultCloudWatchBatchSize = 1000
	// PutLogEvents accepts at most this many events per call
	maxCloudWatchBatchSize = 10000
)

type Config struct {
	Type string `hcl:"type,optional"`

	// file
	Path *string `hcl:"path"`

	// cloudwatch
	LogGroup  *string `hcl:"log_group"`
	LogStream *string `hcl:"log_stream"`
	BatchSize *int    `hcl:"batch_size"`
}

func (c *Config) GetType() string {
	if c == nil || c.Type == "" {
		return constants.DefaultSinkType
	}
	return c.Type
}

func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch c.GetType() {
	case TypeStdout:
	case TypeFile:
		if typehelpers.SafeString(c.Path) == "" {
			return fmt.Errorf("sink type %s requires path", TypeFile)
		}
	case TypeCloudWatch:
		if typehelpers.SafeString(c.LogGroup) == "" || typehelpers.SafeString(c.LogStream) == "" {
			return fmt.Errorf("sink type %s requires log_group and log_stream", TypeCloudWatch)
		}
		if c.BatchSize != nil && (*c.BatchSize < 1 || *c.BatchSize > maxCloudWatchBatchSize) {
			return fmt.Errorf("batch_size must be between 1 and %d", maxCloudWatchBatchSize)
		}
	default:
		return fmt.Errorf("unsupported sink type '%s'", c.Type)
	}
	return nil
}

func (c *Config) batchSize() int {
	if c.BatchSize == nil {
		return defaultCloudWatchBatchSize
	}
	return *c.BatchSize
}

// New creates the sink described by the config; a nil config writes to stdout
func New(ctx context.Context, c *Config, awsConfig aws.Config) (Sink, error) {
	switch c.GetType() {
	case TypeStdout:
		return NewJSONLSink(os.Stdout, nil), nil
	case TypeFile:
		path, err := homedir.Expand(*c.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand sink path %s: %w", *c.Path, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open sink file %s: %w", path, err)
		}
		return NewJSONLSink(f, f), nil
	case TypeCloudWatch:
		client := cloudwatchlogs.NewFromConfig(awsConfig)
		return NewCloudWatchSink(ctx, client, *c.LogGroup, *c.LogStream, c.batchSize())
	}
	return nil, fmt.Errorf("unsupported sink type '%s'", c.Type)
}
