// Package worker runs the claim-based processing loop: it claims batches
// from the durable queue, invokes the injected handler per item, and
// acknowledges or fails each one. Multiple workers against the same store,
// in the same process or not, are safe because claiming is atomic in the
// store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/updategate/internal/queue"
)

// Handler processes one claimed item. A nil return acknowledges the item;
// anything else schedules a retry (or dead-letters it once a positive
// MaxAttempts policy is exhausted).
type Handler func(ctx context.Context, item queue.Item) error

// MetricsSink receives the worker's observations. Refresh is pull-driven
// after every poll cycle, so gauges never go stale during idle periods.
type MetricsSink interface {
	ObserveQueue(stats queue.Stats)
	ObserveProcessed(latency time.Duration)
	IncProcessingFailures()
	IncWorkerFailures()
}

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotRunning     = errors.New("worker not running")
)

type state int

const (
	stateStopped state = iota
	stateRunning
	stateStopping
)

type Worker struct {
	Store   queue.Store
	Handler Handler
	Metrics MetricsSink
	Logger  *slog.Logger

	BatchSize    int
	IdleDelay    time.Duration
	FailureDelay time.Duration
	// MaxAttempts dead-letters an item after that many handler failures.
	// Zero retries forever.
	MaxAttempts int

	Now func() time.Time

	mu     sync.Mutex
	st     state
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the loop goroutine. It fails if the worker is already
// running or stopping.
func (w *Worker) Start() error {
	if w.Store == nil || w.Handler == nil {
		return errors.New("worker requires a store and a handler")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.st != stateStopped {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.st = stateRunning
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.run(ctx)
	}()
	return nil
}

// Shutdown cancels the loop's suspension points and waits for the current
// iteration to finish, so every in-flight item is acked or failed before it
// returns. ctx bounds the wait.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.st != stateRunning {
		w.mu.Unlock()
		return ErrNotRunning
	}
	w.st = stateStopping
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.st = stateStopped
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	return nil
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st == stateRunning
}

func (w *Worker) run(ctx context.Context) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := w.BatchSize
	if batch <= 0 {
		batch = 16
	}
	idleDelay := w.IdleDelay
	if idleDelay <= 0 {
		idleDelay = time.Second
	}
	failureDelay := w.FailureDelay
	if failureDelay <= 0 {
		failureDelay = 5 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		items, err := w.Store.ClaimBatch(batch, w.now())
		if err != nil {
			// Transient storage faults never terminate the loop;
			// only cancellation does.
			logger.Warn("worker_claim_failed", slog.Any("err", err))
			if w.Metrics != nil {
				w.Metrics.IncWorkerFailures()
			}
			if !sleepCtx(ctx, failureDelay) {
				return
			}
			continue
		}

		for _, item := range items {
			w.processItem(ctx, logger, item)
		}
		w.refreshQueueMetrics(logger)

		if len(items) == 0 {
			if !sleepCtx(ctx, idleDelay) {
				return
			}
		}
	}
}

// processItem isolates one item: a failing or panicking handler affects
// neither the rest of the batch nor the loop.
func (w *Worker) processItem(ctx context.Context, logger *slog.Logger, item queue.Item) {
	err := w.invokeHandler(ctx, item)
	now := w.now()

	if err == nil {
		if ackErr := w.Store.Ack(item.ID); ackErr != nil {
			logger.Warn("worker_ack_failed",
				slog.String("id", item.ID),
				slog.String("external_id", item.ExternalID),
				slog.Any("err", ackErr),
			)
			if w.Metrics != nil {
				w.Metrics.IncWorkerFailures()
			}
			return
		}
		if w.Metrics != nil {
			w.Metrics.ObserveProcessed(now.Sub(item.ReceivedAt))
		}
		return
	}

	attempts := item.Attempts + 1
	if w.Metrics != nil {
		w.Metrics.IncProcessingFailures()
	}

	if w.MaxAttempts > 0 && attempts >= w.MaxAttempts {
		logger.Error("worker_item_dead",
			slog.String("id", item.ID),
			slog.String("external_id", item.ExternalID),
			slog.Int("attempts", attempts),
			slog.Any("err", err),
		)
		if deadErr := w.Store.MarkDead(item.ID, attempts, err.Error(), now); deadErr != nil {
			logger.Warn("worker_mark_dead_failed",
				slog.String("id", item.ID),
				slog.Any("err", deadErr),
			)
			if w.Metrics != nil {
				w.Metrics.IncWorkerFailures()
			}
		}
		return
	}

	logger.Warn("worker_item_failed",
		slog.String("id", item.ID),
		slog.String("external_id", item.ExternalID),
		slog.Int("attempts", attempts),
		slog.Any("err", err),
	)
	if failErr := w.Store.Fail(item.ID, attempts, err.Error(), now); failErr != nil {
		logger.Warn("worker_fail_failed",
			slog.String("id", item.ID),
			slog.Any("err", failErr),
		)
		if w.Metrics != nil {
			w.Metrics.IncWorkerFailures()
		}
	}
}

func (w *Worker) invokeHandler(ctx context.Context, item queue.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.Handler(ctx, item)
}

func (w *Worker) refreshQueueMetrics(logger *slog.Logger) {
	if w.Metrics == nil {
		return
	}
	stats, err := w.Store.Stats(w.now())
	if err != nil {
		logger.Warn("worker_stats_failed", slog.Any("err", err))
		return
	}
	w.Metrics.ObserveQueue(stats)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// sleepCtx sleeps for d unless ctx is canceled first; it reports whether the
// full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
