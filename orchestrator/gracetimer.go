package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamkeeper/telemetry"
)

// Warning offsets before grace expiry. Offsets longer than the configured
// grace period are skipped.
var graceWarningOffsets = []time.Duration{15 * time.Minute, 5 * time.Minute, time.Minute}

// startGraceLocked arms the shutdown grace timer and its warning sub-timers.
// Any previous timer is cancelled first; only one may be outstanding. Caller
// holds o.mu.
func (o *Orchestrator) startGraceLocked() {
	o.cancelGraceLocked()
	gen := o.graceGen
	grace := o.deps.GracePeriod

	for _, offset := range graceWarningOffsets {
		if grace <= offset {
			continue
		}
		remaining := offset
		o.graceTimer = append(o.graceTimer, time.AfterFunc(grace-offset, func() {
			o.graceWarning(gen, remaining)
		}))
	}
	o.graceTimer = append(o.graceTimer, time.AfterFunc(grace, func() {
		o.graceExpired(gen)
	}))
	slog.Info("grace timer started", slog.Duration("grace_period", grace))
}

// cancelGraceLocked stops all outstanding grace timers and advances the
// generation so a callback that already fired but has not yet run sees a
// stale generation and does nothing. Caller holds o.mu. Reports whether a
// timer was actually pending.
func (o *Orchestrator) cancelGraceLocked() bool {
	pending := len(o.graceTimer) > 0
	for _, t := range o.graceTimer {
		t.Stop()
	}
	o.graceTimer = nil
	o.graceGen++
	return pending
}

// graceWarning announces remaining time before automatic shutdown. Runs on a
// timer goroutine; stale generations and non-minimal modes no-op.
func (o *Orchestrator) graceWarning(gen uint64, remaining time.Duration) {
	o.mu.Lock()
	if gen != o.graceGen || o.mode != ModeMinimal {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	slog.Warn("shutdown approaching", slog.Duration("remaining", remaining))
	ctx, cancel := context.WithTimeout(o.ctx(), 10*time.Second)
	defer cancel()
	o.deps.Notifier.SendLifecycleMessage(ctx, fmt.Sprintf("shutting down in %s unless the stream returns", remaining))
}

// graceExpired terminates the process if the machine is still in minimal mode
// when the grace period runs out. The staleness check and the transition into
// ModeShuttingDown happen under the same lock hold, so an online signal that
// won the race cleanly prevents expiry.
func (o *Orchestrator) graceExpired(gen uint64) {
	o.mu.Lock()
	if gen != o.graceGen || o.mode != ModeMinimal {
		o.mu.Unlock()
		return
	}
	prev, streamID := o.beginShutdownLocked()
	o.mu.Unlock()

	telemetry.GraceExpirations.Inc()
	o.teardown("grace period expired", prev, streamID)
}
