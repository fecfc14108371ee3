// Package daemon runs the monitoring loop that toggles undervolting based on
// live power draw and performance state.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/undervolt-agent/agent/internal/gpu"
)

// activePerfStateMax is the highest P-state that counts as an active class.
// Clock-offset undervolting only matters in active states; in higher (idle)
// states the clock lock itself is what costs power, so those states are
// never acted on.
const activePerfStateMax = 2

// Controller abstracts the actuator so the loop can be tested with a fake.
type Controller interface {
	Apply(ctx context.Context, rec *gpu.Record, enabled bool) error
}

// StreamFunc runs the telemetry stream until it ends or ctx is cancelled.
type StreamFunc func(ctx context.Context) error

// Daemon owns the monitored GPU set, the telemetry stream and the tick loop.
type Daemon struct {
	monitored []*gpu.Record
	control   Controller
	stream    StreamFunc
	tick      time.Duration
	log       *zap.Logger
}

// New creates a daemon acting on the monitored records every tick.
func New(monitored []*gpu.Record, control Controller, stream StreamFunc, tick time.Duration, log *zap.Logger) *Daemon {
	return &Daemon{
		monitored: monitored,
		control:   control,
		stream:    stream,
		tick:      tick,
		log:       log,
	}
}

// Run starts the telemetry stream, then ticks until ctx is cancelled. On
// cancellation it disables undervolting on every monitored GPU before
// returning; that safety disable runs unconditionally, regardless of what
// state each GPU was last seen in, because a GPU left clock-locked at idle
// burns power for as long as the lock persists.
func (d *Daemon) Run(ctx context.Context) error {
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- d.stream(ctx)
	}()

	d.log.Info("daemon initialized, press ctrl+c or send SIGTERM to stop",
		zap.Int("monitored_gpus", len(d.monitored)),
		zap.Duration("tick", d.tick),
	)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-streamDone:
			// No restart policy: the daemon keeps ticking on the last
			// observed samples once the stream ends.
			d.log.Warn("telemetry stream ended, telemetry is now stale",
				zap.Error(err),
			)
			streamDone = nil
		case <-ticker.C:
			d.evaluate(ctx)
		}
	}

	d.shutdown()
	return nil
}

// evaluate applies the decision rule to each monitored GPU independently.
// The rule is level-triggered: the desired state is derived from the latest
// sample every tick, never from remembered prior decisions.
func (d *Daemon) evaluate(ctx context.Context) {
	for _, rec := range d.monitored {
		power, perfState, ok := rec.Telemetry()
		if !ok || perfState > activePerfStateMax {
			continue
		}

		// Active state: draw at or below the idle threshold means the GPU is
		// idling under a locked clock, so the undervolt comes off.
		enable := power > rec.Profile.IdleThresholdWatts
		if err := d.control.Apply(ctx, rec, enable); err != nil {
			d.log.Warn("apply failed",
				zap.Int("gpu", rec.Index),
				zap.Bool("enabled", enable),
				zap.Error(err),
			)
		}
	}
}

// shutdown force-disables undervolting on every monitored GPU. It runs under
// a fresh context because the run context is already cancelled by the time
// shutdown starts.
func (d *Daemon) shutdown() {
	ctx := context.Background()
	for _, rec := range d.monitored {
		if err := d.control.Apply(ctx, rec, false); err != nil {
			d.log.Warn("disable on shutdown failed",
				zap.Int("gpu", rec.Index),
				zap.Error(err),
			)
		}
	}
	d.log.Info("daemon stopped and undervolting disabled, goodbye!")
}
