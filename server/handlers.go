package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/streamkeeper/db"
	"github.com/onnwee/streamkeeper/orchestrator"
)

type handlers struct {
	db   *sql.DB
	orch *orchestrator.Orchestrator
}

// handleHealthz responds to liveness probe requests by checking database connectivity.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz responds to readiness probe requests with per-dependency checks.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"orchestrator", func() error {
			if h.orch.Mode() == orchestrator.ModeShuttingDown {
				return fmt.Errorf("shutting down")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleStatus returns a lightweight summary: current mode, the open stream
// (if any), open viewing-session count, and operational overrides from kv.
func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{
		"mode": h.orch.Mode().String(),
	}

	if streamID := h.orch.CurrentStreamID(); streamID != 0 {
		if s, err := db.GetStream(ctx, h.db, streamID); err == nil {
			resp["stream"] = map[string]any{
				"twitch_stream_id": s.TwitchStreamID,
				"title":            s.Title,
				"category":         s.Category,
				"started_at":       s.StartedAt,
				"peak_viewers":     s.PeakViewers,
				"message_count":    s.MessageCount,
			}
		}
		var open int
		_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM viewing_sessions WHERE stream_id=$1 AND ended_at IS NULL`, streamID).Scan(&open)
		resp["open_viewing_sessions"] = open
	}

	if v, err := db.GetKV(ctx, h.db, "lifecycle_messages"); err == nil && v != "" {
		resp["lifecycle_messages_override"] = v
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
