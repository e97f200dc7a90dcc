package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OrphanStats reports how many orphaned records were repaired, broken down by
// repair path, so operators can see whether a crash lost interaction data.
type OrphanStats struct {
	StreamsFromInteraction  int64
	StreamsFallback         int64
	SessionsFromInteraction int64
	SessionsFallback        int64
}

// Total returns the number of records repaired across both paths.
func (s OrphanStats) Total() int64 {
	return s.StreamsFromInteraction + s.StreamsFallback + s.SessionsFromInteraction + s.SessionsFallback
}

// ReconcileOrphans repairs stream and viewing-session rows left open by an unclean
// shutdown. End times are derived from the latest recorded interaction (chat message
// or redemption) when one exists, so post-crash duration metrics stay honest; rows
// with no interactions fall back to the owning stream's end time or to now.
//
// A repaired session's end time is clamped to its stream's end time: a session must
// not outlive the broadcast it belongs to.
func ReconcileOrphans(ctx context.Context, dbx *sql.DB, now time.Time) (OrphanStats, error) {
	var stats OrphanStats

	// Streams: last interaction wins.
	res, err := dbx.ExecContext(ctx, `
		UPDATE streams s
		SET ended_at = li.last_interaction, updated_at = NOW()
		FROM (
			SELECT s2.id, GREATEST(
				(SELECT MAX(m.created_at) FROM chat_messages m WHERE m.stream_id = s2.id),
				(SELECT MAX(r.redeemed_at) FROM redemptions r WHERE r.stream_id = s2.id)
			) AS last_interaction
			FROM streams s2
			WHERE s2.ended_at IS NULL
		) li
		WHERE s.id = li.id AND li.last_interaction IS NOT NULL`)
	if err != nil {
		return stats, fmt.Errorf("reconcile streams (interaction): %w", err)
	}
	stats.StreamsFromInteraction, _ = res.RowsAffected()

	// Streams with no recorded activity: fall back to now.
	res, err = dbx.ExecContext(ctx, `UPDATE streams SET ended_at=$1, updated_at=NOW() WHERE ended_at IS NULL`, now)
	if err != nil {
		return stats, fmt.Errorf("reconcile streams (fallback): %w", err)
	}
	stats.StreamsFallback, _ = res.RowsAffected()

	// Sessions: last interaction by that viewer on that stream, clamped to the
	// (now fixed) stream end time.
	res, err = dbx.ExecContext(ctx, `
		UPDATE viewing_sessions vs
		SET ended_at = LEAST(li.last_interaction, s.ended_at)
		FROM streams s, (
			SELECT vs2.id, GREATEST(
				(SELECT MAX(m.created_at) FROM chat_messages m WHERE m.stream_id = vs2.stream_id AND m.username = vs2.username),
				(SELECT MAX(r.redeemed_at) FROM redemptions r WHERE r.stream_id = vs2.stream_id AND r.username = vs2.username)
			) AS last_interaction
			FROM viewing_sessions vs2
			WHERE vs2.ended_at IS NULL
		) li
		WHERE vs.id = li.id AND vs.stream_id = s.id AND li.last_interaction IS NOT NULL`)
	if err != nil {
		return stats, fmt.Errorf("reconcile sessions (interaction): %w", err)
	}
	stats.SessionsFromInteraction, _ = res.RowsAffected()

	// Silent viewers: inherit the stream's end time, or now as a last resort.
	res, err = dbx.ExecContext(ctx, `
		UPDATE viewing_sessions vs
		SET ended_at = COALESCE(s.ended_at, $1)
		FROM streams s
		WHERE vs.stream_id = s.id AND vs.ended_at IS NULL`, now)
	if err != nil {
		return stats, fmt.Errorf("reconcile sessions (fallback): %w", err)
	}
	stats.SessionsFallback, _ = res.RowsAffected()

	return stats, nil
}
