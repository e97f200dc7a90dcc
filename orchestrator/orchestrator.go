// Package orchestrator owns the live-session state machine: which operating
// mode the process is in, which subsystems run in each mode, and how mode
// transitions keep stream and viewing-session records consistent. Lifecycle
// signals arrive from the event transport; content handlers, the presence
// loop, the backup scheduler, and the shutdown grace timer all funnel their
// state changes through the one mutex held here.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/streamkeeper/telemetry"
)

// Mode is the operating mode of the orchestrator.
type Mode int

const (
	// ModeMinimal keeps only lifecycle subscriptions active.
	ModeMinimal Mode = iota
	// ModeFull tracks content signals and per-viewer sessions.
	ModeFull
	// ModeShuttingDown is terminal; teardown is in progress or finished.
	ModeShuttingDown
)

func (m Mode) String() string {
	switch m {
	case ModeMinimal:
		return "minimal"
	case ModeFull:
		return "full"
	case ModeShuttingDown:
		return "shutting-down"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Transport is the long-lived event connection; the orchestrator only ever
// closes it, subscriptions go through Subscriptions.
type Transport interface {
	Close() error
}

// Subscriptions manages event subscriptions against the current transport
// session. All calls are idempotent.
type Subscriptions interface {
	SetSession(sessionID string)
	SubscribeStreamLifecycle(ctx context.Context) error
	SubscribeChat(ctx context.Context) error
	UnsubscribeChat(ctx context.Context) error
	SubscribeRedemptions(ctx context.Context) error
	UnsubscribeRedemptions(ctx context.Context) error
}

// Presence supplies viewer snapshots for the reconciliation loop.
type Presence interface {
	ListCurrentViewers(ctx context.Context) ([]string, error)
	// ViewerCount reports the live viewer count; ok is false when the
	// channel is not live or the count is unavailable.
	ViewerCount(ctx context.Context) (count int, ok bool, err error)
}

// Backups writes store snapshots, tagged by trigger.
type Backups interface {
	CreateBackup(ctx context.Context, tag string) error
}

// Notifier sends best-effort lifecycle messages; implementations log their
// own failures and never return them into a transition.
type Notifier interface {
	SendLifecycleMessage(ctx context.Context, text string)
}

// OnlineEvent carries the broadcast details of a stream-online signal.
type OnlineEvent struct {
	StreamID  string
	Title     string
	Category  string
	StartedAt time.Time
}

// Deps wires the orchestrator's collaborators and timing knobs.
type Deps struct {
	Store     Store
	Transport Transport
	Subs      Subscriptions
	Presence  Presence
	Backups   Backups
	Notifier  Notifier

	Channel              string
	GracePeriod          time.Duration
	PresencePollInterval time.Duration
	PeakSampleEvery      int
	BackupInterval       time.Duration
}

// Orchestrator is the top-level mode state machine. All mutable state is
// guarded by mu; timer and loop callbacks re-check the mode (and, for grace
// timers, a generation counter) under the mutex before acting, so callbacks
// scheduled before a transition no-op after it.
type Orchestrator struct {
	deps Deps

	baseCtx context.Context

	mu         sync.Mutex
	mode       Mode
	streamID   int64 // open stream row id, 0 when none
	graceGen   uint64
	graceTimer []*time.Timer
	fullCancel context.CancelFunc

	done chan struct{}
}

const transitionTimeout = 30 * time.Second

// New builds an orchestrator in minimal mode. Start must be called before any
// handler.
func New(deps Deps) *Orchestrator {
	if deps.GracePeriod <= 0 {
		deps.GracePeriod = 30 * time.Minute
	}
	if deps.PresencePollInterval <= 0 {
		deps.PresencePollInterval = time.Minute
	}
	if deps.PeakSampleEvery <= 0 {
		deps.PeakSampleEvery = 5
	}
	if deps.BackupInterval <= 0 {
		deps.BackupInterval = time.Hour
	}
	telemetry.Init()
	return &Orchestrator{
		deps: deps,
		mode: ModeMinimal,
		done: make(chan struct{}),
	}
}

// Start records the base context and enters the initial mode. A non-nil live
// event means the channel was already broadcasting at startup, so the machine
// goes straight to full mode.
func (o *Orchestrator) Start(ctx context.Context, live *OnlineEvent) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()
	telemetry.SetMode(int(ModeMinimal))
	if live != nil {
		o.HandleStreamOnline(*live)
		return
	}
	slog.Info("orchestrator started", slog.String("mode", ModeMinimal.String()))
}

// Mode returns the current operating mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// CurrentStreamID returns the open stream row id, or 0 when no stream is open.
func (o *Orchestrator) CurrentStreamID() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streamID
}

// Done is closed once teardown has finished.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) ctx() context.Context {
	if o.baseCtx != nil {
		return o.baseCtx
	}
	return context.Background()
}

// HandleSessionChange re-issues subscriptions after the transport established
// a (new) session. Old subscriptions died with the previous socket.
func (o *Orchestrator) HandleSessionChange(ctx context.Context, sessionID string) {
	o.mu.Lock()
	if o.mode == ModeShuttingDown {
		o.mu.Unlock()
		return
	}
	mode := o.mode
	o.mu.Unlock()

	o.deps.Subs.SetSession(sessionID)
	if err := o.deps.Subs.SubscribeStreamLifecycle(ctx); err != nil {
		slog.Error("lifecycle subscription failed", slog.Any("err", err))
	}
	if mode == ModeFull {
		if err := o.deps.Subs.SubscribeChat(ctx); err != nil {
			slog.Error("chat subscription failed", slog.Any("err", err))
		}
		if err := o.deps.Subs.SubscribeRedemptions(ctx); err != nil {
			slog.Error("redemption subscription failed", slog.Any("err", err))
		}
	}
	slog.Info("transport session established", slog.String("session_id", sessionID), slog.String("mode", mode.String()))
}

// HandleStreamOnline drives Minimal -> Full. A duplicate signal while already
// full is a no-op; the single open stream record is never duplicated.
func (o *Orchestrator) HandleStreamOnline(ev OnlineEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.mode {
	case ModeShuttingDown:
		return
	case ModeFull:
		slog.Debug("duplicate stream-online ignored", slog.String("stream_id", ev.StreamID))
		return
	}

	cancelled := o.cancelGraceLocked()
	if cancelled {
		telemetry.GraceCancellations.Inc()
		slog.Info("grace timer cancelled, stream back online", slog.String("stream_id", ev.StreamID))
	}

	ctx, cancelOp := context.WithTimeout(o.ctx(), transitionTimeout)
	defer cancelOp()

	startedAt := ev.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	streamID, err := o.deps.Store.OpenStream(ctx, ev.StreamID, ev.Title, ev.Category, startedAt)
	if err != nil {
		// Without the stream record there is nothing to track; stay minimal
		// and let the next lifecycle signal retry.
		slog.Error("failed to open stream record, staying minimal", slog.Any("err", err), slog.String("stream_id", ev.StreamID))
		return
	}

	o.mode = ModeFull
	o.streamID = streamID
	telemetry.SetMode(int(ModeFull))
	telemetry.ModeTransitions.WithLabelValues(ModeFull.String()).Inc()

	fullCtx, cancel := context.WithCancel(o.ctx())
	o.fullCancel = cancel
	go o.presenceLoop(fullCtx, streamID)
	go o.backupLoop(fullCtx)

	if err := o.deps.Subs.SubscribeChat(ctx); err != nil {
		slog.Error("chat subscription failed", slog.Any("err", err))
	}
	if err := o.deps.Subs.SubscribeRedemptions(ctx); err != nil {
		slog.Error("redemption subscription failed", slog.Any("err", err))
	}
	if err := o.deps.Backups.CreateBackup(ctx, "stream-start"); err != nil {
		slog.Error("stream-start backup failed", slog.Any("err", err))
		telemetry.RecordBackup(false)
	} else {
		telemetry.RecordBackup(true)
	}
	o.deps.Notifier.SendLifecycleMessage(ctx, fmt.Sprintf("%s is live: %s", o.deps.Channel, ev.Title))

	slog.Info("entered full mode",
		slog.String("stream_id", ev.StreamID),
		slog.Int64("stream_row", streamID),
		slog.Time("started_at", startedAt))
}

// HandleStreamOffline drives Full -> Minimal: close sessions and the stream,
// stop the full-mode loops, downgrade subscriptions, start the grace timer.
func (o *Orchestrator) HandleStreamOffline() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode != ModeFull {
		slog.Debug("stream-offline ignored", slog.String("mode", o.mode.String()))
		return
	}

	ctx, cancelOp := context.WithTimeout(o.ctx(), transitionTimeout)
	defer cancelOp()
	now := time.Now().UTC()
	streamID := o.streamID

	closed, err := o.deps.Store.CloseOpenSessions(ctx, streamID, now)
	if err != nil {
		slog.Error("failed to close viewing sessions", slog.Any("err", err), slog.Int64("stream_row", streamID))
	} else if closed > 0 {
		telemetry.SessionsClosed.Add(float64(closed))
	}
	if _, err := o.deps.Store.CloseStream(ctx, streamID, now); err != nil {
		slog.Error("failed to close stream record", slog.Any("err", err), slog.Int64("stream_row", streamID))
	}

	if o.fullCancel != nil {
		o.fullCancel()
		o.fullCancel = nil
	}
	if err := o.deps.Subs.UnsubscribeChat(ctx); err != nil {
		slog.Error("chat unsubscribe failed", slog.Any("err", err))
	}
	if err := o.deps.Subs.UnsubscribeRedemptions(ctx); err != nil {
		slog.Error("redemption unsubscribe failed", slog.Any("err", err))
	}

	o.mode = ModeMinimal
	o.streamID = 0
	telemetry.SetMode(int(ModeMinimal))
	telemetry.ModeTransitions.WithLabelValues(ModeMinimal.String()).Inc()
	telemetry.OpenSessionsGauge.Set(0)

	o.startGraceLocked()
	o.deps.Notifier.SendLifecycleMessage(ctx, fmt.Sprintf("%s went offline, winding down in %s unless the stream returns", o.deps.Channel, o.deps.GracePeriod))

	slog.Info("entered minimal mode",
		slog.Int64("stream_row", streamID),
		slog.Int64("sessions_closed", closed),
		slog.Duration("grace_period", o.deps.GracePeriod))
}

// HandleChatMessage records a chat message into the interaction log while in
// full mode. Outside full mode content signals are not subscribed; any stray
// delivery is dropped.
func (o *Orchestrator) HandleChatMessage(username, message string) {
	o.mu.Lock()
	if o.mode != ModeFull || o.streamID == 0 {
		o.mu.Unlock()
		return
	}
	streamID := o.streamID
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(o.ctx(), 10*time.Second)
	defer cancel()
	if err := o.deps.Store.RecordChatMessage(ctx, streamID, username, message); err != nil {
		slog.Error("failed to record chat message", slog.Any("err", err), slog.String("username", username))
		return
	}
	telemetry.ChatMessagesLogged.Inc()
}

// HandleRedemption records a reward redemption while in full mode.
func (o *Orchestrator) HandleRedemption(username, rewardTitle string) {
	o.mu.Lock()
	if o.mode != ModeFull || o.streamID == 0 {
		o.mu.Unlock()
		return
	}
	streamID := o.streamID
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(o.ctx(), 10*time.Second)
	defer cancel()
	if err := o.deps.Store.RecordRedemption(ctx, streamID, username, rewardTitle); err != nil {
		slog.Error("failed to record redemption", slog.Any("err", err), slog.String("username", username))
		return
	}
	telemetry.RedemptionsLogged.Inc()
}

// Shutdown performs the ordered teardown: cancel timers, close open records,
// final backup, close transport, close store. Idempotent; a second call while
// already shutting down is a no-op. Each step is best-effort and a failure
// never stops the steps after it.
func (o *Orchestrator) Shutdown(reason string) {
	o.mu.Lock()
	if o.mode == ModeShuttingDown {
		o.mu.Unlock()
		slog.Debug("shutdown already in progress", slog.String("reason", reason))
		return
	}
	prev, streamID := o.beginShutdownLocked()
	o.mu.Unlock()

	o.teardown(reason, prev, streamID)
}

// beginShutdownLocked flips the machine into its terminal mode and detaches
// the timers and loops. Caller holds o.mu and has verified the mode is not
// already ModeShuttingDown.
func (o *Orchestrator) beginShutdownLocked() (prev Mode, streamID int64) {
	prev = o.mode
	o.mode = ModeShuttingDown
	o.cancelGraceLocked()
	if o.fullCancel != nil {
		o.fullCancel()
		o.fullCancel = nil
	}
	streamID = o.streamID
	o.streamID = 0
	return prev, streamID
}

func (o *Orchestrator) teardown(reason string, prev Mode, streamID int64) {
	telemetry.SetMode(int(ModeShuttingDown))
	telemetry.ModeTransitions.WithLabelValues(ModeShuttingDown.String()).Inc()
	slog.Info("shutting down", slog.String("reason", reason), slog.String("from", prev.String()))

	// The base context may already be cancelled (signal-driven shutdown), so
	// teardown gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()
	now := time.Now().UTC()

	if streamID != 0 {
		if _, err := o.deps.Store.CloseOpenSessions(ctx, streamID, now); err != nil {
			slog.Error("teardown: failed to close viewing sessions", slog.Any("err", err))
		}
		if _, err := o.deps.Store.CloseStream(ctx, streamID, now); err != nil {
			slog.Error("teardown: failed to close stream record", slog.Any("err", err))
		}
	}
	if err := o.deps.Backups.CreateBackup(ctx, "shutdown"); err != nil {
		slog.Error("teardown: final backup failed", slog.Any("err", err))
		telemetry.RecordBackup(false)
	} else {
		telemetry.RecordBackup(true)
	}
	if err := o.deps.Transport.Close(); err != nil {
		slog.Error("teardown: transport close failed", slog.Any("err", err))
	}
	if err := o.deps.Store.Close(); err != nil {
		slog.Error("teardown: store close failed", slog.Any("err", err))
	}

	slog.Info("teardown complete")
	close(o.done)
}
