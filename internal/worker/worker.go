// Package worker runs periodic maintenance jobs, such as settling stranded
// quota reservations, alongside the HTTP server.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/mailsmith/internal/metrics"
)

// Worker runs each registered job on a fixed interval.
type Worker struct {
	handlers []JobHandler
	config   Config
	logger   *slog.Logger

	// Synchronization
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Register adds a job to the worker. Call this before Start().
func (w *Worker) Register(handler JobHandler) {
	for _, h := range w.handlers {
		if h.Type() == handler.Type() {
			w.logger.Warn("Job registered twice", "job_type", handler.Type())
		}
	}
	w.handlers = append(w.handlers, handler)
	w.logger.Debug("Registered job", "job_type", handler.Type())
}

// Start runs every job once immediately, which settles anything left behind
// by a crashed process, then on every interval until Stop is called or ctx
// is done.
func (w *Worker) Start(ctx context.Context) {
	for _, h := range w.handlers {
		w.wg.Add(1)
		go w.runLoop(ctx, h)
	}

	w.logger.Info("Worker started", "jobs", len(w.handlers), "interval", w.config.Interval)
}

// Stop signals all job loops to stop and waits for them to finish.
// It respects the configured ShutdownTimeout.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopCh)
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded, some jobs may still be running")
	}
}

// Run starts the worker and blocks until ctx is done, then stops it. It fits
// an errgroup alongside the HTTP server.
func (w *Worker) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	return nil
}

// runLoop is the main loop for one job.
func (w *Worker) runLoop(ctx context.Context, handler JobHandler) {
	defer w.wg.Done()

	logger := w.logger.With("job_type", handler.Type())

	if !w.runOnce(ctx, handler, logger) {
		return
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.runOnce(ctx, handler, logger) {
				return
			}
		}
	}
}

// runOnce executes a single run with a timeout context and records metrics.
// It returns false when the job must not run again.
func (w *Worker) runOnce(ctx context.Context, handler JobHandler, logger *slog.Logger) bool {
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := handler.Handle(jobCtx)
	if err == nil {
		metrics.JobCompleted(handler.Type(), time.Since(start))
		return true
	}

	metrics.JobFailed(handler.Type())
	if IsPermanent(err) {
		logger.Error("Job failed with permanent error, unscheduling", "error", err)
		return false
	}
	logger.Error("Job failed", "error", err)
	return true
}
