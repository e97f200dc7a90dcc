// Command streamkeeper runs the live-session orchestrator for one Twitch
// channel. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and repairs records
//     left open by an unclean previous termination.
//   - Connects the EventSub websocket, detects live status, and enters the
//     matching operating mode.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM and runs the ordered teardown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamkeeper/backup"
	"github.com/onnwee/streamkeeper/config"
	"github.com/onnwee/streamkeeper/db"
	"github.com/onnwee/streamkeeper/eventsub"
	"github.com/onnwee/streamkeeper/notify"
	"github.com/onnwee/streamkeeper/oauth"
	"github.com/onnwee/streamkeeper/orchestrator"
	"github.com/onnwee/streamkeeper/server"
	"github.com/onnwee/streamkeeper/telemetry"
	"github.com/onnwee/streamkeeper/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	initLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateTransportReady(); err != nil {
		slog.Error("missing twitch configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streamkeeper", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}

	// Versioned migrations first, embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repair state from a prior crash before entering any mode. Failures are
	// reported, never fatal.
	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	if stats, err := db.ReconcileOrphans(startupCtx, database, time.Now().UTC()); err != nil {
		slog.Error("orphan reconciliation failed, continuing startup", slog.Any("err", err))
	} else if stats.Total() > 0 {
		slog.Info("repaired orphaned records",
			slog.Int64("streams_from_interaction", stats.StreamsFromInteraction),
			slog.Int64("streams_fallback", stats.StreamsFallback),
			slog.Int64("sessions_from_interaction", stats.SessionsFromInteraction),
			slog.Int64("sessions_fallback", stats.SessionsFallback))
		telemetry.RecordOrphans("stream_interaction", stats.StreamsFromInteraction)
		telemetry.RecordOrphans("stream_fallback", stats.StreamsFallback)
		telemetry.RecordOrphans("session_interaction", stats.SessionsFromInteraction)
		telemetry.RecordOrphans("session_fallback", stats.SessionsFallback)
	}

	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	userTokens := &oauth.StoredTokenSource{DB: database, Provider: oauth.ProviderTwitch}
	helix := &twitchapi.HelixClient{
		AppTokenSource:  appTokens,
		UserTokenSource: userTokens,
		ClientID:        cfg.TwitchClientID,
	}

	broadcasterID, err := helix.GetUserID(startupCtx, cfg.TwitchChannel)
	if err != nil {
		slog.Error("failed to resolve channel", slog.Any("err", err), slog.String("channel", cfg.TwitchChannel))
		os.Exit(1)
	}
	botUsername := cfg.TwitchBotUsername
	if botUsername == "" {
		botUsername = cfg.TwitchChannel
	}
	botUserID, err := helix.GetUserID(startupCtx, botUsername)
	if err != nil {
		slog.Error("failed to resolve bot user", slog.Any("err", err), slog.String("username", botUsername))
		os.Exit(1)
	}
	cancelStartup()

	oauth.StartRefresher(ctx, database, oauth.ProviderTwitch, 5*time.Minute, 15*time.Minute,
		oauth.TwitchRefreshFunc(cfg.TwitchClientID, cfg.TwitchClientSecret))

	transport := &eventsub.Client{}
	subs := &eventsub.Manager{
		TokenSource:   userTokens,
		ClientID:      cfg.TwitchClientID,
		BroadcasterID: broadcasterID,
		BotUserID:     botUserID,
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:     &orchestrator.SQLStore{DB: database},
		Transport: transport,
		Subs:      subs,
		Presence: &orchestrator.HelixPresence{
			Client:        helix,
			Channel:       cfg.TwitchChannel,
			BroadcasterID: broadcasterID,
			BotUserID:     botUserID,
		},
		Backups:              &backup.Service{DB: database, Dir: cfg.DataDir},
		Notifier:             &notify.ChatNotifier{Client: helix, BroadcasterID: broadcasterID, BotUserID: botUserID},
		Channel:              cfg.TwitchChannel,
		GracePeriod:          cfg.GracePeriod,
		PresencePollInterval: cfg.PresencePollInterval,
		PeakSampleEvery:      cfg.PeakSampleEvery,
		BackupInterval:       cfg.BackupInterval,
	})

	transport.OnSessionChange = orch.HandleSessionChange
	transport.OnStreamOnline = func(ev eventsub.StreamOnlineEvent) {
		started, _ := time.Parse(time.RFC3339, ev.StartedAt)
		orch.HandleStreamOnline(orchestrator.OnlineEvent{StreamID: ev.ID, StartedAt: started.UTC()})
	}
	transport.OnStreamOffline = func(eventsub.StreamOfflineEvent) { orch.HandleStreamOffline() }
	transport.OnChatMessage = func(ev eventsub.ChatMessageEvent) {
		orch.HandleChatMessage(ev.ChatterUserLogin, ev.Message.Text)
	}
	transport.OnRedemption = func(ev eventsub.RedemptionEvent) {
		orch.HandleRedemption(ev.UserLogin, ev.Reward.Title)
	}

	var transportFailed atomic.Bool
	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("event transport terminated", slog.Any("err", err))
			transportFailed.Store(true)
			orch.Shutdown("event transport failure")
		}
	}()

	orch.Start(ctx, detectLive(ctx, helix, cfg.TwitchChannel))

	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(database, orch)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("termination signal received")
		orch.Shutdown("termination signal")
		<-orch.Done()
	case <-orch.Done():
		// Grace expiry or transport failure already ran the teardown.
	}
	if transportFailed.Load() {
		os.Exit(1)
	}
}

// detectLive queries live status at startup so the orchestrator can enter the
// right initial mode. Query failures default to minimal mode.
func detectLive(ctx context.Context, helix *twitchapi.HelixClient, channel string) *orchestrator.OnlineEvent {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	streams, err := helix.GetStreams(ctx, channel)
	if err != nil {
		slog.Warn("live-status detection failed, starting minimal", slog.Any("err", err))
		return nil
	}
	if len(streams) == 0 {
		return nil
	}
	s := streams[0]
	slog.Info("channel already live", slog.String("stream_id", s.ID), slog.String("title", s.Title))
	return &orchestrator.OnlineEvent{
		StreamID:  s.ID,
		Title:     s.Title,
		Category:  s.Category,
		StartedAt: s.StartedAt,
	}
}

func initLogger() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
