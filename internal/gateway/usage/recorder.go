// Package usage prices proxied calls and writes their usage logs off the
// request path.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

const writeTimeout = 5 * time.Second

// ErrClosed is returned by Record after Close
var ErrClosed = errors.New("usage recorder closed")

// Store persists usage logs
type Store interface {
	InsertUsageLog(ctx context.Context, log *models.UsageLog) error
}

// RecorderOptions configures a Recorder
type RecorderOptions struct {
	QueueSize    int
	FlushTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Recorder queues usage logs and writes them from a single background
// worker. Record never blocks longer than FlushTimeout.
type Recorder struct {
	store        Store
	queue        chan models.UsageLog
	flushTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder creates a recorder and starts its worker
func NewRecorder(store Store, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Recorder{
		store:        store,
		queue:        make(chan models.UsageLog, opts.QueueSize),
		flushTimeout: opts.FlushTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "usage"),
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues a usage log. When the queue stays full past the flush
// timeout the entry is dropped and counted.
func (r *Recorder) Record(entry models.UsageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	select {
	case r.queue <- entry:
		return nil
	default:
	}

	timer := time.NewTimer(r.flushTimeout)
	defer timer.Stop()
	select {
	case r.queue <- entry:
		return nil
	case <-timer.C:
		r.metrics.RecordUsageDropped()
		r.logger.Error("usage queue full, dropping entry",
			"request_id", entry.RequestID,
			"provider", entry.Provider,
			"model", entry.Model)
		return errors.New("usage queue full")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		r.write(entry)
	}
}

func (r *Recorder) write(entry models.UsageLog) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.InsertUsageLog(ctx, &entry); err != nil {
		r.metrics.RecordUsageWriteError()
		r.logger.Error("failed to write usage log",
			"request_id", entry.RequestID,
			"error", err)
		return
	}
	cost, _ := entry.CostUSD.Float64()
	r.metrics.RecordUsage(entry.Provider, entry.InputTokens, entry.OutputTokens, cost)
}

// Close stops accepting entries and waits for the queue to drain
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
