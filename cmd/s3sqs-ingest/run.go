package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/turbot/tailpipe-s3-sqs-ingest/aws_connection"
	"github.com/turbot/tailpipe-s3-sqs-ingest/config"
	"github.com/turbot/tailpipe-s3-sqs-ingest/downloader"
	"github.com/turbot/tailpipe-s3-sqs-ingest/log_processor"
	"github.com/turbot/tailpipe-s3-sqs-ingest/metrics"
	"github.com/turbot/tailpipe-s3-sqs-ingest/orchestrator"
	"github.com/turbot/tailpipe-s3-sqs-ingest/queue_poller"
	"github.com/turbot/tailpipe-s3-sqs-ingest/rate_limiter"
	"github.com/turbot/tailpipe-s3-sqs-ingest/sink"
)

// runIngest wires the components described by the config and runs the workers until ctx is cancelled
func runIngest(ctx context.Context, cfg *config.Config) (err error) {
	conn := cfg.GetConnection()
	awsCfg, err := conn.GetClientConfiguration(ctx, cfg.GetRegion())
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if addr := cfg.GetMetricsAddress(); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, registry); err != nil {
				slog.Error("metrics server stopped", "address", addr, "error", err)
			}
		}()
	}

	sqsClient := sqs.NewFromConfig(*awsCfg)
	queueUrl, err := queue_poller.ResolveQueueUrl(ctx, sqsClient, cfg.Queue, cfg.QueueOwnerAwsAccountId)
	if err != nil {
		return err
	}

	codecs, err := cfg.CodecFactory()
	if err != nil {
		return err
	}

	out, err := sink.New(ctx, cfg.Sink, *awsCfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close sink: %w", closeErr))
		}
	}()

	limiter := rate_limiter.NewAPILimiter(cfg.GetDownloadLimit())
	fetcher := downloader.New(
		aws_connection.NewClientFactory(*awsCfg, conn, cfg.Buckets),
		downloader.WithLimiter(limiter),
		downloader.WithObjectProperties(cfg.IncludeObjectProperties),
		downloader.WithDeleteOnSuccess(cfg.DeleteOnSuccess),
		downloader.WithMetrics(m),
	)

	processor := log_processor.New(out,
		log_processor.WithMaxLineSize(cfg.GetMaxLineSize()),
		log_processor.WithMaxFileProcessingTime(cfg.GetMaxFileProcessingTime()),
		log_processor.WithSkipInvalidLines(cfg.SkipInvalidLines),
		log_processor.WithAddFields(cfg.AddField),
		log_processor.WithTags(cfg.Tags),
		log_processor.WithMetrics(m),
	)

	orch := orchestrator.New(orchestrator.Config{
		Workers:         cfg.GetWorkers(),
		ScratchDir:      cfg.GetScratchDir(),
		ShutdownTimeout: cfg.GetShutdownTimeout(),
		BackoffInitial:  cfg.GetBackoffInitial(),
		BackoffMax:      cfg.GetBackoffMax(),
		Poller: queue_poller.Options{
			QueueUrl:               queueUrl,
			VisibilityTimeout:      cfg.GetVisibilityTimeout(),
			MaxProcessingTime:      cfg.GetMaxProcessingTime(),
			WaitTimeSeconds:        cfg.GetWaitTime(),
			SkipDelete:             cfg.SkipDelete,
			DeleteOnLeaseExhausted: cfg.DeleteOnLeaseExhausted,
			FromSns:                cfg.FromSns,
			FolderMode:             cfg.GetFolderMode(),
			FolderPrefix:           cfg.GetFolderPrefix(),
		},
	}, sqsClient, codecs, fetcher, processor, m)

	slog.Info("ingest starting", "queue", queueUrl, "region", awsCfg.Region, "download_limit", limiter.String())
	err = orch.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("ingest stopped")
	return err
}
