package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	typehelpers "github.com/turbot/go-kit/types"
	"github.com/turbot/tailpipe-s3-sqs-ingest/aws_connection"
	"github.com/turbot/tailpipe-s3-sqs-ingest/context_values"
	"github.com/turbot/tailpipe-s3-sqs-ingest/metrics"
	"github.com/turbot/tailpipe-s3-sqs-ingest/rate_limiter"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

// ErrRedeliver marks a failure after which the notification must be left on the queue for redelivery
var ErrRedeliver = errors.New("object must be redelivered")

const defaultChunkSize = 1024 * 1024

// ClientSource gives scoped access to the storage client for a bucket
type ClientSource interface {
	WithClient(ctx context.Context, bucket string, fn func(aws_connection.S3API) error) error
}

// Downloader copies announced objects to local scratch files
type Downloader struct {
	clients                 ClientSource
	limiter                 *rate_limiter.APILimiter
	includeObjectProperties bool
	deleteOnSuccess         bool
	chunkSize               int
	metrics                 *metrics.Metrics

	createFile func(path string) (io.WriteCloser, error)
}

type DownloaderOption func(*Downloader)

func WithLimiter(l *rate_limiter.APILimiter) DownloaderOption {
	return func(d *Downloader) {
		d.limiter = l
	}
}

// WithObjectProperties stores the provider response data of each download in the work item source metadata
func WithObjectProperties(include bool) DownloaderOption {
	return func(d *Downloader) {
		d.includeObjectProperties = include
	}
}

// WithDeleteOnSuccess enables deletion of objects once their notification has been fully processed
func WithDeleteOnSuccess(del bool) DownloaderOption {
	return func(d *Downloader) {
		d.deleteOnSuccess = del
	}
}

func WithMetrics(m *metrics.Metrics) DownloaderOption {
	return func(d *Downloader) {
		d.metrics = m
	}
}

func WithChunkSize(size int) DownloaderOption {
	return func(d *Downloader) {
		d.chunkSize = size
	}
}

func New(clients ClientSource, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		clients:    clients,
		limiter:    rate_limiter.NewAPILimiter(nil),
		chunkSize:  defaultChunkSize,
		createFile: createScratchFile,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads the object to item.LocalPath
// any failure, including cancellation, returns an error wrapping ErrRedeliver
// the scratch file is left in place on failure, removing it is the caller's responsibility
func (d *Downloader) Fetch(ctx context.Context, item *types.WorkItem) error {
	logger := context_values.LoggerFromContext(ctx).With("object", item.String())

	if ctx.Err() != nil {
		return redeliver("download cancelled before start", context.Cause(ctx))
	}

	release, err := d.limiter.Acquire(ctx)
	if err != nil {
		return redeliver("failed waiting for download limiter", err)
	}
	defer release()

	err = d.clients.WithClient(ctx, item.Bucket, func(client aws_connection.S3API) error {
		return d.download(ctx, client, item, logger)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRedeliver):
		return err
	default:
		return redeliver("failed to get storage client", err)
	}
}

func (d *Downloader) download(ctx context.Context, client aws_connection.S3API, item *types.WorkItem, logger *slog.Logger) error {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(item.Bucket),
		Key:    aws.String(item.Key),
	})
	if err != nil {
		logger.Error("unable to download object, leaving message for redelivery", "error_code", errorCode(err), "error", err)
		return redeliver("failed to get object", err)
	}
	defer out.Body.Close()

	f, err := d.createFile(item.LocalPath)
	if err != nil {
		return redeliver("failed to create scratch file", err)
	}

	written, err := d.copy(ctx, f, out.Body)
	// a failed close can mean buffered data never reached the file
	closeErr := f.Close()
	d.metrics.BytesDownloaded(written)
	if err != nil {
		return redeliver("failed to download object", err)
	}
	if closeErr != nil {
		logger.Error("failed to close scratch file", "path", item.LocalPath, "error", closeErr)
		return redeliver("failed to close scratch file", closeErr)
	}

	expected := item.Size
	if out.ContentLength != nil {
		expected = *out.ContentLength
	}
	if written != expected {
		logger.Warn("downloaded size does not match object size", "written", written, "expected", expected)
		return redeliver("download truncated", fmt.Errorf("wrote %d bytes, expected %d", written, expected))
	}

	if d.includeObjectProperties {
		item.SourceMetadata = objectProperties(out)
	}
	logger.Debug("downloaded object", "bytes", written, "path", item.LocalPath)
	return nil
}

func createScratchFile(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

// copy streams the body in chunks, checking for cancellation between chunks
func (d *Downloader) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, d.chunkSize)
	var written int64
	for {
		if ctx.Err() != nil {
			return written, context.Cause(ctx)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// Delete removes the object from storage if deletion on success is enabled
// failures are logged and otherwise ignored: the notification has already been processed
func (d *Downloader) Delete(ctx context.Context, ref types.ObjectReference) {
	if !d.deleteOnSuccess {
		return
	}
	logger := context_values.LoggerFromContext(ctx).With("object", ref.String())
	err := d.clients.WithClient(ctx, ref.Bucket, func(client aws_connection.S3API) error {
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(ref.Bucket),
			Key:    aws.String(ref.Key),
		})
		return err
	})
	if err != nil {
		logger.Warn("failed to delete object", "error_code", errorCode(err), "error", err)
		return
	}
	logger.Debug("deleted object")
}

func objectProperties(out *s3.GetObjectOutput) map[string]any {
	res := map[string]any{
		"content_type":     typehelpers.SafeString(out.ContentType),
		"content_encoding": typehelpers.SafeString(out.ContentEncoding),
		"etag":             typehelpers.SafeString(out.ETag),
		"version_id":       typehelpers.SafeString(out.VersionId),
		"storage_class":    string(out.StorageClass),
	}
	if out.ContentLength != nil {
		res["content_length"] = *out.ContentLength
	}
	if out.LastModified != nil {
		res["last_modified"] = *out.LastModified
	}
	if out.ServerSideEncryption != "" {
		res["server_side_encryption"] = string(out.ServerSideEncryption)
	}
	if len(out.Metadata) > 0 {
		res["metadata"] = out.Metadata
	}
	return res
}

func redeliver(msg string, err error) error {
	return fmt.Errorf("%s: %w", msg, errors.Join(ErrRedeliver, err))
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
