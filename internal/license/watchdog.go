package license

import (
	"context"
	"log/slog"
	"time"
)

// DefaultWatchdogInterval is the longest the watchdog waits for a completion
// signal before reconciling anyway.
const DefaultWatchdogInterval = time.Second / 16

// Watchdog periodically reconciles the lock artifact with the gate, waking
// early whenever a simulation completes.
type Watchdog struct {
	ctl      *Control
	rec      *Reconciler
	interval time.Duration
	logger   *slog.Logger
}

func NewWatchdog(ctl *Control, rec *Reconciler, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{ctl: ctl, rec: rec, interval: interval, logger: logger}
}

// Run loops until ctx is cancelled. Reconcile errors are logged and the loop
// keeps going; cancellation is the only way out and always returns nil.
func (w *Watchdog) Run(ctx context.Context) error {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.ctl.Completed():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		timer.Reset(w.interval)

		if ctx.Err() != nil {
			return nil
		}
		w.tick()
	}
}

func (w *Watchdog) tick() {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("license reconcile panicked", "panic", p)
		}
	}()
	outcome, err := w.rec.Reconcile()
	if err != nil {
		w.logger.Warn("license reconcile failed", "lock_path", w.rec.LockPath(), "err", err)
		return
	}
	switch outcome {
	case OutcomeRemoved, OutcomeAssumed:
		w.logger.Debug("license reclaimed", "outcome", outcome.String(), "lock_path", w.rec.LockPath())
	}
}

// Start runs the watchdog in a background goroutine and returns a func that
// stops it and waits for the loop to exit.
func (w *Watchdog) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		<-exited
	}
}
