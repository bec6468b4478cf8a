package learnings

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Worker runs the deriver on a fixed interval.
type Worker struct {
	deriver  *Deriver
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context
}

// NewWorker creates a worker. Each pass is bounded by timeout, or by the
// interval when timeout is zero.
func NewWorker(d *Deriver, logger *slog.Logger, interval, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = interval
	}
	return &Worker{
		deriver:  d,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
		drainCh:  make(chan context.Context, 1),
	}
}

// Start begins the background loop. Calls after the first are no-ops.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("learnings worker: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.loop(loopCtx)
}

// Drain stops the loop after one final pass and blocks until it finishes or
// ctx expires.
func (w *Worker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("learnings worker: drain timed out")
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.runOnce(drainCtx)
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, w.timeout)
			w.runOnce(passCtx)
			cancel()
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	derived, err := w.deriver.Derive(ctx)
	if err != nil {
		w.logger.Error("learnings worker: derive", "error", err, "emitted", len(derived))
		return
	}
	if len(derived) > 0 {
		w.logger.Info("learnings worker: pass complete", "emitted", len(derived))
	}
}
