package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	typehelpers "github.com/turbot/go-kit/types"
	"github.com/turbot/tailpipe-s3-sqs-ingest/aws_connection"
	"github.com/turbot/tailpipe-s3-sqs-ingest/codec"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/rate_limiter"
	"github.com/turbot/tailpipe-s3-sqs-ingest/sink"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

const (
	// SQS limits
	maxWaitTimeSeconds = 20
	// the SQS message retention period is at most 14 days
	maxProcessingTimeLimit = 14 * 24 * 60 * 60
)

// Config is the complete configuration of the ingest process
// durations are given in seconds
type Config struct {
	// queue name or URL
	Queue                  string  `hcl:"queue"`
	QueueOwnerAwsAccountId *string `hcl:"queue_owner_aws_account_id"`
	Region                 *string `hcl:"region"`
	Workers                *int    `hcl:"workers"`

	DeleteOnSuccess         bool  `hcl:"delete_on_success,optional"`
	IncludeObjectProperties bool  `hcl:"include_object_properties,optional"`
	SkipDelete              bool  `hcl:"skip_delete,optional"`
	DeleteOnLeaseExhausted  bool  `hcl:"delete_on_lease_exhausted,optional"`
	SkipInvalidLines        bool  `hcl:"skip_invalid_lines,optional"`
	FromSns                 *bool `hcl:"from_sns"`

	VisibilityTimeout     *int `hcl:"visibility_timeout"`
	MaxProcessingTime     *int `hcl:"max_processing_time"`
	WaitTimeSeconds       *int `hcl:"wait_time_seconds"`
	MaxFileProcessingTime *int `hcl:"max_file_processing_time"`
	BackoffInitial        *int `hcl:"backoff_initial"`
	BackoffMax            *int `hcl:"backoff_max"`
	ShutdownTimeout       *int `hcl:"shutdown_timeout"`

	ScratchDir   *string `hcl:"scratch_dir"`
	DefaultCodec *string `hcl:"default_codec"`
	FolderMode   *string `hcl:"folder_mode"`
	FolderPrefix *string `hcl:"folder_prefix"`
	MaxLineSize  *int    `hcl:"max_line_size"`

	AddField       map[string]string `hcl:"add_field,optional"`
	Tags           []string          `hcl:"tags,optional"`
	MetricsAddress *string           `hcl:"metrics_address"`

	Connection    *aws_connection.AwsConnection  `hcl:"connection,block"`
	Buckets       []*aws_connection.BucketConfig `hcl:"bucket,block"`
	Codecs        []*codec.Config                `hcl:"codec,block"`
	Routes        []*codec.RouteConfig           `hcl:"route,block"`
	Sink          *sink.Config                   `hcl:"sink,block"`
	DownloadLimit *rate_limiter.Definition       `hcl:"download_limit,block"`
}

func (c *Config) Validate() error {
	var validationErrors []error
	addErr := func(format string, args ...any) {
		validationErrors = append(validationErrors, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Queue) == "" {
		addErr("queue is required")
	}
	if c.GetWorkers() < 1 {
		addErr("workers must be at least 1")
	}
	if v := c.VisibilityTimeout; v != nil && (*v < 1 || time.Duration(*v)*time.Second > constants.MaxSqsVisibilityTimeout) {
		addErr("visibility_timeout must be between 1 and %d", int(constants.MaxSqsVisibilityTimeout.Seconds()))
	}
	if v := c.MaxProcessingTime; v != nil && (*v < 1 || *v > maxProcessingTimeLimit) {
		addErr("max_processing_time must be between 1 and %d", maxProcessingTimeLimit)
	}
	if c.GetMaxProcessingTime() < c.GetVisibilityTimeout() {
		addErr("max_processing_time must not be less than visibility_timeout")
	}
	if v := c.WaitTimeSeconds; v != nil && (*v < 0 || *v > maxWaitTimeSeconds) {
		addErr("wait_time_seconds must be between 0 and %d", maxWaitTimeSeconds)
	}
	for name, v := range map[string]*int{
		"max_file_processing_time": c.MaxFileProcessingTime,
		"backoff_initial":          c.BackoffInitial,
		"backoff_max":              c.BackoffMax,
		"shutdown_timeout":         c.ShutdownTimeout,
	} {
		if v != nil && *v < 0 {
			addErr("%s must not be negative", name)
		}
	}
	if c.GetBackoffMax() < c.GetBackoffInitial() {
		addErr("backoff_max must not be less than backoff_initial")
	}
	if c.MaxLineSize != nil && *c.MaxLineSize < 1 {
		addErr("max_line_size must be at least 1")
	}
	if err := c.GetFolderMode().Validate(); err != nil {
		validationErrors = append(validationErrors, err)
	}

	if c.Connection != nil {
		if err := c.Connection.Validate(); err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("connection: %w", err))
		}
	}
	bucketNames := make(map[string]struct{}, len(c.Buckets))
	for _, b := range c.Buckets {
		if err := b.Validate(); err != nil {
			validationErrors = append(validationErrors, err)
		}
		if _, ok := bucketNames[b.Name]; ok {
			addErr("duplicate bucket config '%s'", b.Name)
		}
		bucketNames[b.Name] = struct{}{}
	}

	// building the registry and routing table validates the codec definitions and route patterns
	if _, err := c.CodecFactory(); err != nil {
		validationErrors = append(validationErrors, err)
	}

	if err := c.Sink.Validate(); err != nil {
		validationErrors = append(validationErrors, fmt.Errorf("sink: %w", err))
	}
	if err := c.GetDownloadLimit().Validate(); err != nil {
		validationErrors = append(validationErrors, fmt.Errorf("download_limit: %w", err))
	}

	return errors.Join(validationErrors...)
}

// CodecFactory builds the codec registry, routing table and factory described by the codec and route blocks
func (c *Config) CodecFactory() (*codec.Factory, error) {
	registry, err := codec.NewRegistry(c.Codecs)
	if err != nil {
		return nil, err
	}
	routes, err := codec.NewRoutingTable(c.Routes)
	if err != nil {
		return nil, err
	}
	return codec.NewFactory(registry, routes, c.GetDefaultCodec())
}

func (c *Config) GetConnection() *aws_connection.AwsConnection {
	if c.Connection == nil {
		return &aws_connection.AwsConnection{}
	}
	return c.Connection
}

// GetRegion returns the region of the queue: the top level region, else the connection region
func (c *Config) GetRegion() *string {
	if c.Region != nil {
		return c.Region
	}
	return c.GetConnection().Region
}

func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return constants.DefaultWorkers
	}
	return *c.Workers
}

func (c *Config) GetVisibilityTimeout() time.Duration {
	return secondsOrDefault(c.VisibilityTimeout, constants.DefaultVisibilityTimeout)
}

func (c *Config) GetMaxProcessingTime() time.Duration {
	return secondsOrDefault(c.MaxProcessingTime, constants.DefaultMaxProcessingTime)
}

// GetWaitTime returns the long poll wait; SQS uses the queue's receive wait time when this is unset
func (c *Config) GetWaitTime() *int32 {
	if c.WaitTimeSeconds == nil {
		return nil
	}
	v := int32(*c.WaitTimeSeconds)
	return &v
}

// GetMaxFileProcessingTime returns zero when file processing is only bounded by the message lease
func (c *Config) GetMaxFileProcessingTime() time.Duration {
	return secondsOrDefault(c.MaxFileProcessingTime, 0)
}

func (c *Config) GetBackoffInitial() time.Duration {
	return secondsOrDefault(c.BackoffInitial, constants.DefaultBackoffInitial)
}

func (c *Config) GetBackoffMax() time.Duration {
	return secondsOrDefault(c.BackoffMax, constants.DefaultBackoffMax)
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return secondsOrDefault(c.ShutdownTimeout, constants.DefaultShutdownTimeout)
}

func (c *Config) GetScratchDir() string {
	if c.ScratchDir == nil {
		return constants.DefaultScratchDir
	}
	return *c.ScratchDir
}

func (c *Config) GetDefaultCodec() string {
	if c.DefaultCodec == nil {
		return constants.DefaultCodec
	}
	return *c.DefaultCodec
}

func (c *Config) GetFolderMode() types.FolderMode {
	if c.FolderMode == nil {
		return types.FolderModeParent
	}
	return types.FolderMode(*c.FolderMode)
}

func (c *Config) GetFolderPrefix() string {
	return typehelpers.SafeString(c.FolderPrefix)
}

func (c *Config) GetMaxLineSize() int {
	if c.MaxLineSize == nil {
		return constants.DefaultMaxLineSize
	}
	return *c.MaxLineSize
}

func (c *Config) GetMetricsAddress() string {
	return typehelpers.SafeString(c.MetricsAddress)
}

// GetDownloadLimit returns the download limiter definition; without a download_limit block downloads are unlimited
func (c *Config) GetDownloadLimit() *rate_limiter.Definition {
	if c.DownloadLimit == nil {
		return &rate_limiter.Definition{Name: "download"}
	}
	c.DownloadLimit.Name = "download"
	return c.DownloadLimit
}

func secondsOrDefault(v *int, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v) * time.Second
}
