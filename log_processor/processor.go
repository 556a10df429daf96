package log_processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/turbot/go-kit/helpers"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/context_values"
	"github.com/turbot/tailpipe-s3-sqs-ingest/metrics"
	"github.com/turbot/tailpipe-s3-sqs-ingest/sink"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

var (
	// ErrIncomplete is returned when a file was not fully processed, the notification must be redelivered
	ErrIncomplete = errors.New("file not fully processed")
	// ErrProcessingTimeout is the cause of an incomplete file which exceeded the per-file time limit
	ErrProcessingTimeout = errors.New("file processing time limit exceeded")
)

const initialLineBufferSize = 64 * 1024

// Processor reads downloaded files line by line, decodes them and writes decorated events to the sink
// a Processor holds no per-file state and may be shared by all workers
type Processor struct {
	sink                  sink.Sink
	maxLineSize           int
	maxFileProcessingTime time.Duration
	skipInvalidLines      bool
	addFields             map[string]string
	tags                  []string
	metrics               *metrics.Metrics
}

type ProcessorOption func(*Processor)

func WithMaxLineSize(size int) ProcessorOption {
	return func(p *Processor) {
		p.maxLineSize = size
	}
}

// WithMaxFileProcessingTime bounds the time spent on a single file; zero means unbounded
func WithMaxFileProcessingTime(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.maxFileProcessingTime = d
	}
}

// WithSkipInvalidLines logs and skips lines the codec cannot decode, rather than failing the file
func WithSkipInvalidLines(skip bool) ProcessorOption {
	return func(p *Processor) {
		p.skipInvalidLines = skip
	}
}

// WithAddFields sets fields on every event which does not already have them
func WithAddFields(fields map[string]string) ProcessorOption {
	return func(p *Processor) {
		p.addFields = fields
	}
}

func WithTags(tags []string) ProcessorOption {
	return func(p *Processor) {
		p.tags = tags
	}
}

func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

func New(s sink.Sink, opts ...ProcessorOption) *Processor {
	p := &Processor{
		sink:        s,
		maxLineSize: constants.DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process decodes the downloaded file of the work item
// nil means every line was decoded and written; any error wraps ErrIncomplete
func (p *Processor) Process(ctx context.Context, item *types.WorkItem) error {
	logger := context_values.LoggerFromContext(ctx).With("object", item.String(), "codec", item.Codec.Identifier())

	if p.maxFileProcessingTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.maxFileProcessingTime, ErrProcessingTimeout)
		defer cancel()
	}

	err := p.processFile(ctx, item, logger)
	switch {
	case err == nil:
		p.metrics.FileProcessed(metrics.FileComplete)
	case errors.Is(err, ErrProcessingTimeout):
		logger.Error("file processing timed out, leaving message for redelivery", "limit", p.maxFileProcessingTime.String())
		p.metrics.FileProcessed(metrics.FileTimeout)
	default:
		p.metrics.FileProcessed(metrics.FileIncomplete)
	}
	return err
}

func (p *Processor) processFile(ctx context.Context, item *types.WorkItem, logger *slog.Logger) error {
	logger.Debug("processing file", "path", item.LocalPath)

	reader, err := openFile(item.LocalPath, item.Key, logger)
	if err != nil {
		logger.Error("failed to open file", "error", err)
		return incomplete(err)
	}
	defer reader.Close()

	decoder := item.Codec.NewDecoder()
	state := &fileState{}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, min(initialLineBufferSize, p.maxLineSize)), p.maxLineSize)

	lineNumber := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return p.stopped(ctx, logger, lineNumber)
		}
		lineNumber++
		line := strings.ToValidUTF8(scanner.Text(), constants.InvalidByteReplacement)
		// header lines are file metadata whatever the codec, most codecs would reject them
		if state.consume(line) {
			continue
		}

		events, err := decode(decoder, line)
		if err != nil {
			if p.skipInvalidLines {
				logger.Warn("skipping line which could not be decoded", "line_number", lineNumber, "error", err)
				continue
			}
			logger.Error("failed to decode line", "line_number", lineNumber, "error", err)
			return incomplete(fmt.Errorf("line %d: %w", lineNumber, err))
		}
		if err := p.emit(ctx, item, state, events); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		// corrupt compressed data or a line longer than the max line size
		logger.Error("failed to read file", "line_number", lineNumber, "error", err)
		return incomplete(err)
	}
	if ctx.Err() != nil {
		return p.stopped(ctx, logger, lineNumber)
	}

	// ensure any buffered state of stateful codecs (e.g. multiline) is emitted
	events, err := flush(decoder)
	if err != nil {
		logger.Error("failed to flush decoder", "error", err)
		return incomplete(err)
	}
	if err := p.emit(ctx, item, state, events); err != nil {
		return err
	}
	// events still buffered by the sink would be lost once the message is deleted
	if err := p.sink.Flush(ctx); err != nil {
		logger.Error("failed to flush sink", "error", err)
		return incomplete(fmt.Errorf("failed to flush events: %w", err))
	}

	logger.Debug("finished processing file", "lines", lineNumber)
	return nil
}

func (p *Processor) emit(ctx context.Context, item *types.WorkItem, state *fileState, events []*types.Event) error {
	for _, event := range events {
		if state.update(event) {
			continue
		}
		p.decorate(event, item, state)
		if err := p.sink.Write(ctx, event); err != nil {
			return incomplete(fmt.Errorf("failed to write event: %w", err))
		}
		p.metrics.EventEmitted()
	}
	return nil
}

func (p *Processor) stopped(ctx context.Context, logger *slog.Logger, lineNumber int) error {
	cause := context.Cause(ctx)
	if !errors.Is(cause, ErrProcessingTimeout) {
		logger.Warn("stopped in the middle of the file, it will be processed again after redelivery", "line_number", lineNumber)
	}
	return incomplete(cause)
}

// decode converts codec panics into errors
func decode(decoder types.Decoder, line string) (events []*types.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = helpers.ToError(r)
		}
	}()
	return decoder.Decode(line)
}

func flush(decoder types.Decoder) (events []*types.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = helpers.ToError(r)
		}
	}()
	return decoder.Flush()
}

func incomplete(err error) error {
	return fmt.Errorf("%w: %w", ErrIncomplete, err)
}

type fileReader struct {
	io.Reader
	closers []io.Closer
}

func (r *fileReader) Close() error {
	var errs []error
	// close in reverse order of opening
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

func openFile(path, key string, logger *slog.Logger) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !isGzip(f, key, logger) {
		return &fileReader{Reader: f, closers: []io.Closer{f}}, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating gzip reader for %s: %w", path, err)
	}
	return &fileReader{Reader: gz, closers: []io.Closer{f, gz}}, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// isGzip checks the key suffix, then the magic bytes of the file
// if detection fails the file is treated as plain text
func isGzip(f *os.File, key string, logger *slog.Logger) bool {
	if strings.HasSuffix(key, ".gz") || strings.HasSuffix(key, ".gzip") {
		return true
	}
	header := make([]byte, len(gzipMagic))
	n, err := io.ReadFull(f, header)
	if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
		logger.Debug("problem during gzip detection", "error", seekErr)
		return false
	}
	if err != nil {
		// files shorter than the header are plain
		if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			logger.Debug("problem during gzip detection", "error", err)
		}
		return false
	}
	return n == len(gzipMagic) && header[0] == gzipMagic[0] && header[1] == gzipMagic[1]
}
