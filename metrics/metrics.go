package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s3sqs_ingest"

// file outcome labels
const (
	FileComplete   = "complete"
	FileIncomplete = "incomplete"
	FileTimeout    = "timeout"
)

// message deletion reason labels
const (
	DeleteProcessed      = "processed"
	DeleteNoise          = "noise"
	DeleteLeaseExhausted = "lease_exhausted"
)

// Metrics holds the ingest collectors
// all methods are safe to call on a nil *Metrics, which disables collection
type Metrics struct {
	messagesReceived    prometheus.Counter
	messagesDeleted     *prometheus.CounterVec // by reason
	messagesRedelivered prometheus.Counter
	leaseExtensions     prometheus.Counter
	leasesExhausted     prometheus.Counter
	filesProcessed      *prometheus.CounterVec // by status
	eventsEmitted       prometheus.Counter
	bytesDownloaded     prometheus.Counter
	queueErrors         *prometheus.CounterVec // by operation
	workersActive       prometheus.Gauge
}

// New creates the collectors and registers them with the registerer
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_received_total",
			Help:      "Total number of queue messages received",
		}),
		messagesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_deleted_total",
			Help:      "Total number of queue messages deleted, by reason",
		}, []string{"reason"}),
		messagesRedelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_redelivered_total",
			Help:      "Total number of queue messages left on the queue for redelivery",
		}),
		leaseExtensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "lease_extensions_total",
			Help:      "Total number of message visibility extensions",
		}),
		leasesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "leases_exhausted_total",
			Help:      "Total number of messages which reached the maximum processing time",
		}),
		queueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "errors_total",
			Help:      "Total number of queue API errors, by operation",
		}, []string{"operation"}),
		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "files_total",
			Help:      "Total number of files processed, by status",
		}, []string{"status"}),
		eventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "events_emitted_total",
			Help:      "Total number of events written to the sink",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "bytes_total",
			Help:      "Total number of bytes downloaded",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of running workers",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.messagesReceived,
		m.messagesDeleted,
		m.messagesRedelivered,
		m.leaseExtensions,
		m.leasesExhausted,
		m.queueErrors,
		m.filesProcessed,
		m.eventsEmitted,
		m.bytesDownloaded,
		m.workersActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) MessageDeleted(reason string) {
	if m == nil {
		return
	}
	m.messagesDeleted.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageRedelivered() {
	if m == nil {
		return
	}
	m.messagesRedelivered.Inc()
}

func (m *Metrics) LeaseExtended() {
	if m == nil {
		return
	}
	m.leaseExtensions.Inc()
}

func (m *Metrics) LeaseExhausted() {
	if m == nil {
		return
	}
	m.leasesExhausted.Inc()
}

func (m *Metrics) QueueError(operation string) {
	if m == nil {
		return
	}
	m.queueErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) FileProcessed(status string) {
	if m == nil {
		return
	}
	m.filesProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) EventEmitted() {
	if m == nil {
		return
	}
	m.eventsEmitted.Inc()
}

func (m *Metrics) BytesDownloaded(n int64) {
	if m == nil {
		return
	}
	m.bytesDownloaded.Add(float64(n))
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersActive.Inc()
}

func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.workersActive.Dec()
}

// Serve exposes the gatherer on /metrics until the context is cancelled
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	slog.Info("serving metrics", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
