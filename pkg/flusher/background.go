// Package flusher runs a bounded worker pool that uploads items
// asynchronously, decoupling a slow remote store from whatever produced the
// item (here, a just-rotated trace file). It is domain-agnostic: callers
// supply the upload function.
package flusher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// UploadFunc performs one item's upload. It receives a fresh context scoped
// to the upload's own timeout, not the caller's Enqueue context.
type UploadFunc func(ctx context.Context, item string) error

// BackgroundUploader queues items and drives them through a fixed pool of
// worker goroutines calling Upload.
type BackgroundUploader struct {
	upload UploadFunc
	logger *slog.Logger

	queue     chan string
	workers   int
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	uploadTimeout time.Duration

	mu          sync.Mutex
	started     bool
	pending     int
	completed   int
	failed      int
	lastError   error
	lastErrorAt time.Time
}

// Config configures the background uploader.
type Config struct {
	// QueueSize is the maximum number of pending items. Default 1000.
	QueueSize int
	// Workers is the number of concurrent upload workers. Default 4.
	Workers int
	// UploadTimeout bounds each individual upload. Default 5 minutes.
	UploadTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1000, Workers: 4, UploadTimeout: 5 * time.Minute}
}

// New constructs a BackgroundUploader that calls upload for each enqueued
// item once Start is running.
func New(upload UploadFunc, cfg Config) *BackgroundUploader {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &BackgroundUploader{
		upload:        upload,
		logger:        cfg.Logger,
		queue:         make(chan string, cfg.QueueSize),
		workers:       cfg.Workers,
		uploadTimeout: cfg.UploadTimeout,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
}

// Start launches the worker pool. Idempotent.
func (b *BackgroundUploader) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.logger.Info("starting background uploader", "workers", b.workers)

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx, i)
	}

	go func() {
		b.wg.Wait()
		close(b.stoppedCh)
	}()
}

// Stop signals workers to drain the queue and exit, waiting up to timeout.
func (b *BackgroundUploader) Stop(timeout time.Duration) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.logger.Info("stopping background uploader", "pending", b.Pending())
	close(b.stopCh)

	select {
	case <-b.stoppedCh:
		b.logger.Info("background uploader stopped gracefully")
	case <-time.After(timeout):
		b.logger.Warn("background uploader stop timed out", "pending", b.Pending())
	}
}

// Enqueue queues item for upload. Returns false without blocking if the
// queue is full.
func (b *BackgroundUploader) Enqueue(item string) bool {
	select {
	case b.queue <- item:
		b.mu.Lock()
		b.pending++
		b.mu.Unlock()
		return true
	default:
		b.logger.Warn("background upload queue full, dropping item", "item", item)
		return false
	}
}

// Pending returns the number of items queued or in flight.
func (b *BackgroundUploader) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Stats returns upload counters.
func (b *BackgroundUploader) Stats() (pending, completed, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending, b.completed, b.failed
}

func (b *BackgroundUploader) worker(ctx context.Context, id int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			b.drainQueue(ctx)
			return
		case <-ctx.Done():
			return
		case item, ok := <-b.queue:
			if !ok {
				return
			}
			b.processItem(item)
		}
	}
}

func (b *BackgroundUploader) drainQueue(ctx context.Context) {
	for {
		select {
		case item, ok := <-b.queue:
			if !ok {
				return
			}
			b.processItem(item)
		default:
			return
		}
	}
}

func (b *BackgroundUploader) processItem(item string) {
	uploadCtx, cancel := context.WithTimeout(context.Background(), b.uploadTimeout)
	defer cancel()

	err := b.upload(uploadCtx, item)

	b.mu.Lock()
	b.pending--
	if err != nil {
		b.failed++
		b.lastError = err
		b.lastErrorAt = time.Now()
		b.mu.Unlock()
		b.logger.Error("background upload failed", "item", item, "error", err)
		return
	}
	b.completed++
	b.mu.Unlock()
	b.logger.Debug("background upload completed", "item", item)
}
