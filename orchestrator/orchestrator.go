package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/xid"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"github.com/turbot/tailpipe-s3-sqs-ingest/context_values"
	"github.com/turbot/tailpipe-s3-sqs-ingest/metrics"
	"github.com/turbot/tailpipe-s3-sqs-ingest/queue_poller"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrShutdownTimeout is returned when workers do not stop within the shutdown timeout; they are abandoned
	ErrShutdownTimeout = errors.New("workers did not stop within the shutdown timeout")

	errStopRequested = errors.New("stop requested")
)

// CodecResolver selects the codec and event type for an object
type CodecResolver interface {
	GetCodec(ref types.ObjectReference) (types.Codec, string, error)
}

// Fetcher downloads objects to scratch files and deletes fully processed objects from storage
type Fetcher interface {
	Fetch(ctx context.Context, item *types.WorkItem) error
	Delete(ctx context.Context, ref types.ObjectReference)
}

type Processor interface {
	Process(ctx context.Context, item *types.WorkItem) error
}

type Config struct {
	Workers         int
	ScratchDir      string
	ShutdownTimeout time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	Poller          queue_poller.Options
}

// Orchestrator runs a fixed pool of workers, each polling the queue independently
// workers share the codec resolver, fetcher and processor, and each has a private scratch directory
type Orchestrator struct {
	config    Config
	queue     queue_poller.SQSAPI
	codecs    CodecResolver
	fetcher   Fetcher
	processor Processor
	metrics   *metrics.Metrics

	cancelMut sync.Mutex
	cancel    context.CancelCauseFunc
}

func New(config Config, queue queue_poller.SQSAPI, codecs CodecResolver, fetcher Fetcher, processor Processor, m *metrics.Metrics) *Orchestrator {
	if config.Workers < 1 {
		config.Workers = constants.DefaultWorkers
	}
	if config.ScratchDir == "" {
		config.ScratchDir = constants.DefaultScratchDir
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	return &Orchestrator{
		config:    config,
		queue:     queue,
		codecs:    codecs,
		fetcher:   fetcher,
		processor: processor,
		metrics:   m,
	}
}

// Run starts the workers and blocks until they have stopped
// workers stop when the context is cancelled or Stop is called
func (o *Orchestrator) Run(ctx context.Context) error {
	scratchRoot, err := homedir.Expand(o.config.ScratchDir)
	if err != nil {
		return fmt.Errorf("failed to expand scratch dir %s: %w", o.config.ScratchDir, err)
	}
	if err := os.MkdirAll(scratchRoot, 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir %s: %w", scratchRoot, err)
	}

	workerCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.setCancel(cancel)

	slog.Info("starting workers", "workers", o.config.Workers, "scratch_dir", scratchRoot)
	g, gctx := errgroup.WithContext(workerCtx)
	for i := 0; i < o.config.Workers; i++ {
		g.Go(func() error {
			return o.runWorker(gctx, i, scratchRoot)
		})
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		// workers only stop on their own after a fatal error
		return err
	case <-workerCtx.Done():
	}

	slog.Info("stopping workers", "cause", context.Cause(workerCtx), "timeout", o.config.ShutdownTimeout.String())
	timer := time.NewTimer(o.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		slog.Info("all workers stopped")
		return err
	case <-timer.C:
		slog.Error("workers did not stop in time, abandoning them", "timeout", o.config.ShutdownTimeout.String())
		return ErrShutdownTimeout
	}
}

// Stop signals all workers to stop; Run returns once they have
func (o *Orchestrator) Stop() {
	o.cancelMut.Lock()
	defer o.cancelMut.Unlock()
	if o.cancel != nil {
		o.cancel(errStopRequested)
	}
}

func (o *Orchestrator) setCancel(cancel context.CancelCauseFunc) {
	o.cancelMut.Lock()
	defer o.cancelMut.Unlock()
	o.cancel = cancel
}

func (o *Orchestrator) runWorker(ctx context.Context, id int, scratchRoot string) error {
	workerId := fmt.Sprintf("worker-%d", id)
	ctx = context_values.WithWorkerId(ctx, workerId)
	logger := context_values.LoggerFromContext(ctx)

	dir := filepath.Join(scratchRoot, workerId)
	// remove anything left behind by a previous run of this worker
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear scratch dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir %s: %w", dir, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove scratch dir", "dir", dir, "error", err)
		}
	}()

	o.metrics.WorkerStarted()
	defer o.metrics.WorkerStopped()

	backoff := queue_poller.NewBackoff(o.config.BackoffInitial, o.config.BackoffMax)
	poller := queue_poller.New(o.queue, o.config.Poller, backoff, o.metrics)
	return poller.Run(ctx, func(ctx context.Context, ref types.ObjectReference) error {
		return o.handleRecord(ctx, dir, ref)
	})
}

// handleRecord downloads and processes a single object
// the scratch file is removed once the outcome is known, whatever it is
func (o *Orchestrator) handleRecord(ctx context.Context, dir string, ref types.ObjectReference) error {
	logger := context_values.LoggerFromContext(ctx).With("object", ref.String())
	timing := types.TimingMap{}

	codec, eventType, err := o.codecs.GetCodec(ref)
	if err != nil {
		return fmt.Errorf("failed to resolve codec for %s: %w", ref.String(), err)
	}

	// unique name so redeliveries never collide, keeping the key's base name (and so its suffix)
	item := types.NewWorkItem(ref, filepath.Join(dir, xid.New().String()+"_"+filepath.Base(ref.Key)))
	item.Codec = codec
	item.Type = eventType
	defer removeScratchFile(item.LocalPath, logger)

	endDownload := timing.Track("download")
	err = o.fetcher.Fetch(ctx, item)
	endDownload()
	if err != nil {
		return err
	}

	endProcess := timing.Track("process")
	err = o.processor.Process(ctx, item)
	endProcess()
	if err != nil {
		return err
	}

	// the object is fully processed, remove it even if we are shutting down
	o.fetcher.Delete(context.WithoutCancel(ctx), ref)
	logger.Info("processed object", timing.LogValues()...)
	return nil
}

func removeScratchFile(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove scratch file", "path", path, "error", err)
	}
}
