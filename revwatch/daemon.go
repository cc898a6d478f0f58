package revwatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Daemon runs the service on a fixed interval and on demand.
type Daemon struct {
	svc      *Service
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewDaemon creates a Daemon. A non-positive interval means one hour.
func NewDaemon(svc *Service, interval time.Duration, logger *slog.Logger) *Daemon {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{svc: svc, interval: interval, trigger: make(chan struct{}, 1), logger: logger}
}

// Run runs once immediately, then on every tick or trigger. Blocks until
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.runOnce(ctx)
		case <-d.trigger:
			d.runOnce(ctx)
			ticker.Reset(d.interval)
		}
	}
}

// Trigger asks for a run now. It fails with ErrRunInProgress while a run
// is active or already requested.
func (d *Daemon) Trigger() error {
	if d.svc.Running() {
		return ErrRunInProgress
	}
	select {
	case d.trigger <- struct{}{}:
		return nil
	default:
		return ErrRunInProgress
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	_, err := d.svc.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		d.logger.Debug("revwatch: skipped tick, run in progress")
	case errors.Is(err, context.Canceled):
		d.logger.Info("revwatch: run cancelled")
	default:
		d.logger.Error("revwatch: run failed", "error", err)
	}
}
