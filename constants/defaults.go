package constants

import "time"

const (
	DefaultWorkers               = 4
	DefaultVisibilityTimeout     = 120 * time.Second
	DefaultMaxProcessingTime     = 8000 * time.Second
	DefaultBackoffInitial        = 1 * time.Second
	DefaultBackoffMax            = 60 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultCodec                 = "plain"
	DefaultMaxLineSize           = 10 * 1024 * 1024
	DefaultRoleSessionName       = "tailpipe-s3-sqs-ingest"
	DefaultRegion                = "us-east-1"
	DefaultScratchDir            = "~/.tailpipe-s3-sqs-ingest/tmp"
	DefaultSinkType              = "stdout"
	MaxSqsVisibilityTimeout      = 12 * time.Hour
	LeaseExtensionWindowFraction = 0.95
)

// sanitized lines replace invalid byte sequences with this character
const InvalidByteReplacement = "⍰"
