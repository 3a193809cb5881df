package remote

import (
	"context"
	"log/slog"
	"time"
)

// Pulse periodically reports liveness by calling Notify (component I);
// the caller picks the target, such as a session event to the server or
// a ping to a local daemon. It is separate from the session client's own
// heartbeat loop inside Run, and a thin, separately cancellable loop so
// the supervisor can run it alongside Run without coupling their lifetimes.
type Pulse struct {
	Interval time.Duration
	Notify   func(ctx context.Context) error
	Logger   *slog.Logger
}

func NewPulse(interval time.Duration, notify func(ctx context.Context) error, logger *slog.Logger) *Pulse {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pulse{Interval: interval, Notify: notify, Logger: logger}
}

// Run calls Notify every Interval until ctx is cancelled. A
// failed pulse is logged, not fatal — liveness reporting is best-effort.
func (p *Pulse) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Notify(ctx); err != nil {
				p.Logger.Debug("pulse: notify failed", "error", err)
			}
		}
	}
}
