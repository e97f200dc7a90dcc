package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/streamkeeper/telemetry"
)

// presenceLoop reconciles viewer presence against open viewing sessions while
// the machine is in full mode. The loop stops when its period context is
// cancelled (mode exit or shutdown). Every tick is a full set-difference
// against snapshot truth, so missed ticks are harmless.
func (o *Orchestrator) presenceLoop(ctx context.Context, streamID int64) {
	ticker := time.NewTicker(o.deps.PresencePollInterval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.Mode() != ModeFull {
			return
		}
		tick++
		o.reconcilePresence(ctx, streamID)
		if tick%o.deps.PeakSampleEvery == 0 {
			o.samplePeakViewers(ctx, streamID)
		}
	}
}

func (o *Orchestrator) reconcilePresence(ctx context.Context, streamID int64) {
	snapshot, err := o.deps.Presence.ListCurrentViewers(ctx)
	if err != nil {
		// Transient; the next tick retries.
		slog.Warn("presence snapshot failed", slog.Any("err", err))
		telemetry.PresencePollErrors.Inc()
		return
	}
	open, err := o.deps.Store.OpenSessionUsernames(ctx, streamID)
	if err != nil {
		slog.Warn("open session query failed", slog.Any("err", err))
		return
	}

	present := make(map[string]bool, len(snapshot))
	for _, u := range snapshot {
		present[u] = true
	}
	tracked := make(map[string]bool, len(open))
	for _, u := range open {
		tracked[u] = true
	}

	now := time.Now().UTC()
	var opened, closed int
	for u := range present {
		if tracked[u] {
			continue
		}
		if err := o.deps.Store.OpenViewingSession(ctx, streamID, u, now); err != nil {
			slog.Warn("failed to open viewing session", slog.Any("err", err), slog.String("username", u))
			continue
		}
		opened++
	}
	for u := range tracked {
		if present[u] {
			continue
		}
		if err := o.deps.Store.CloseViewingSession(ctx, streamID, u, now); err != nil {
			slog.Warn("failed to close viewing session", slog.Any("err", err), slog.String("username", u))
			continue
		}
		closed++
	}

	if opened > 0 {
		telemetry.SessionsOpened.Add(float64(opened))
	}
	if closed > 0 {
		telemetry.SessionsClosed.Add(float64(closed))
	}
	telemetry.OpenSessionsGauge.Set(float64(len(open) + opened - closed))
	if opened > 0 || closed > 0 {
		slog.Debug("presence reconciled",
			slog.Int("present", len(snapshot)),
			slog.Int("opened", opened),
			slog.Int("closed", closed))
	}
}

// samplePeakViewers runs at a lower frequency than the presence poll and only
// ever raises the stored peak.
func (o *Orchestrator) samplePeakViewers(ctx context.Context, streamID int64) {
	count, ok, err := o.deps.Presence.ViewerCount(ctx)
	if err != nil {
		slog.Warn("viewer count query failed", slog.Any("err", err))
		return
	}
	if !ok {
		return
	}
	if err := o.deps.Store.UpdatePeakViewers(ctx, streamID, count); err != nil {
		slog.Warn("failed to update peak viewers", slog.Any("err", err))
	}
}

// backupLoop writes periodic snapshots while in full mode.
func (o *Orchestrator) backupLoop(ctx context.Context) {
	ticker := time.NewTicker(o.deps.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.Mode() != ModeFull {
			return
		}
		if err := o.deps.Backups.CreateBackup(ctx, "scheduled"); err != nil {
			slog.Error("scheduled backup failed", slog.Any("err", err))
			telemetry.RecordBackup(false)
			continue
		}
		telemetry.RecordBackup(true)
	}
}
