// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	ModeTransitions     *prometheus.CounterVec
	SessionsOpened      prometheus.Counter
	SessionsClosed      prometheus.Counter
	ChatMessagesLogged  prometheus.Counter
	RedemptionsLogged   prometheus.Counter
	GraceCancellations  prometheus.Counter
	GraceExpirations    prometheus.Counter
	BackupsSucceeded    prometheus.Counter
	BackupsFailed       prometheus.Counter
	PresencePollErrors  prometheus.Counter
	OrphansReconciled   *prometheus.CounterVec

	// Gauges
	ModeGauge         prometheus.Gauge // 0=minimal 1=full 2=shutting-down
	OpenSessionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_mode_transitions_total", Help: "Mode transitions by target mode"}, []string{"to"})
		SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_viewing_sessions_opened_total", Help: "Viewing sessions opened by the presence loop"})
		SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_viewing_sessions_closed_total", Help: "Viewing sessions closed by the presence loop"})
		ChatMessagesLogged = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_chat_messages_total", Help: "Chat messages recorded to the interaction log"})
		RedemptionsLogged = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_redemptions_total", Help: "Reward redemptions recorded to the interaction log"})
		GraceCancellations = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_grace_cancellations_total", Help: "Grace timers cancelled by a return to full mode"})
		GraceExpirations = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_grace_expirations_total", Help: "Grace timers that expired and triggered shutdown"})
		BackupsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_backups_succeeded_total", Help: "Backup snapshots written"})
		BackupsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_backups_failed_total", Help: "Backup snapshots that failed"})
		PresencePollErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "orchestrator_presence_poll_errors_total", Help: "Presence snapshot fetches that failed"})
		OrphansReconciled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_orphans_reconciled_total", Help: "Orphaned records repaired at startup by repair path"}, []string{"path"})
		ModeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_mode", Help: "Current mode: 0=minimal 1=full 2=shutting-down"})
		OpenSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_open_viewing_sessions", Help: "Open viewing sessions for the current stream"})
	})
}

// SetMode records the current operating mode on the mode gauge.
func SetMode(mode int) {
	if ModeGauge != nil {
		ModeGauge.Set(float64(mode))
	}
}

// RecordBackup bumps the backup outcome counters.
func RecordBackup(ok bool) {
	if ok {
		if BackupsSucceeded != nil {
			BackupsSucceeded.Inc()
		}
		return
	}
	if BackupsFailed != nil {
		BackupsFailed.Inc()
	}
}

// RecordOrphans reports reconciliation repairs per path.
func RecordOrphans(path string, n int64) {
	if OrphansReconciled != nil && n > 0 {
		OrphansReconciled.WithLabelValues(path).Add(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
