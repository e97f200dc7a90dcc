package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Stream is one broadcast's bookkeeping row. EndedAt is nil while the broadcast is
// considered open; the orchestrator guarantees at most one open row at a time.
type Stream struct {
	ID             int64
	TwitchStreamID string
	Title          string
	Category       string
	StartedAt      time.Time
	EndedAt        *time.Time
	PeakViewers    int
	MessageCount   int
	UniqueChatters int
}

// ViewingSession is one (viewer, stream) presence interval. EndedAt nil = active.
type ViewingSession struct {
	ID        int64
	StreamID  int64
	Username  string
	StartedAt time.Time
	EndedAt   *time.Time
}

// OpenStream inserts a stream row for a broadcast and returns its id. Re-opening the
// same twitch stream id is idempotent and returns the existing row with its end time
// cleared, so a broadcast that flapped offline and back resumes the same record open.
func OpenStream(ctx context.Context, dbx *sql.DB, twitchStreamID, title, category string, startedAt time.Time) (int64, error) {
	var id int64
	err := dbx.QueryRowContext(ctx, `INSERT INTO streams (twitch_stream_id, title, category, started_at, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (twitch_stream_id) DO UPDATE SET
			ended_at=NULL,
			title=EXCLUDED.title,
			category=EXCLUDED.category,
			updated_at=NOW()
		RETURNING id`, twitchStreamID, title, category, startedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open stream: %w", err)
	}
	return id, nil
}

// OpenStreamID returns the id of the currently open stream row, if any.
func OpenStreamID(ctx context.Context, dbx *sql.DB) (int64, bool, error) {
	var id int64
	err := dbx.QueryRowContext(ctx, `SELECT id FROM streams WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// GetStream loads one stream row by id.
func GetStream(ctx context.Context, dbx *sql.DB, id int64) (*Stream, error) {
	s := &Stream{}
	var endedAt sql.NullTime
	var title, category, twitchID sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT id, twitch_stream_id, title, category, started_at, ended_at, peak_viewers, message_count, unique_chatters
		FROM streams WHERE id=$1`, id).
		Scan(&s.ID, &twitchID, &title, &category, &s.StartedAt, &endedAt, &s.PeakViewers, &s.MessageCount, &s.UniqueChatters)
	if err != nil {
		return nil, err
	}
	s.TwitchStreamID = twitchID.String
	s.Title = title.String
	s.Category = category.String
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return s, nil
}

// CloseStream sets the stream's end time and recomputes unique_chatters from the chat
// log. Closing an already-closed stream is a no-op (returns false).
func CloseStream(ctx context.Context, dbx *sql.DB, id int64, endedAt time.Time) (bool, error) {
	res, err := dbx.ExecContext(ctx, `UPDATE streams SET
			ended_at=$2,
			unique_chatters=(SELECT COUNT(DISTINCT username) FROM chat_messages WHERE stream_id=$1),
			updated_at=NOW()
		WHERE id=$1 AND ended_at IS NULL`, id, endedAt)
	if err != nil {
		return false, fmt.Errorf("close stream: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdatePeakViewers raises the stream's peak viewer count; the maximum is monotonic,
// a lower sample never lowers it.
func UpdatePeakViewers(ctx context.Context, dbx *sql.DB, id int64, count int) error {
	_, err := dbx.ExecContext(ctx, `UPDATE streams SET peak_viewers=GREATEST(peak_viewers,$2), updated_at=NOW() WHERE id=$1`, id, count)
	return err
}

// OpenViewingSession opens a presence interval for a viewer. Idempotent: if the viewer
// already has an open session for this stream, nothing changes.
func OpenViewingSession(ctx context.Context, dbx *sql.DB, streamID int64, username string, startedAt time.Time) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO viewing_sessions (stream_id, username, started_at, created_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (stream_id, username) WHERE ended_at IS NULL DO NOTHING`, streamID, username, startedAt)
	if err != nil {
		return fmt.Errorf("open viewing session: %w", err)
	}
	return nil
}

// CloseViewingSession ends a viewer's open session for the stream, if one exists.
func CloseViewingSession(ctx context.Context, dbx *sql.DB, streamID int64, username string, endedAt time.Time) error {
	_, err := dbx.ExecContext(ctx, `UPDATE viewing_sessions SET ended_at=$3 WHERE stream_id=$1 AND username=$2 AND ended_at IS NULL`,
		streamID, username, endedAt)
	if err != nil {
		return fmt.Errorf("close viewing session: %w", err)
	}
	return nil
}

// OpenSessionUsernames returns the viewers with an open session for the stream.
func OpenSessionUsernames(ctx context.Context, dbx *sql.DB, streamID int64) ([]string, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT username FROM viewing_sessions WHERE stream_id=$1 AND ended_at IS NULL`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CloseOpenSessions ends every open session for a stream and returns how many were closed.
// Used on Full -> Minimal so no session outlives its stream record.
func CloseOpenSessions(ctx context.Context, dbx *sql.DB, streamID int64, endedAt time.Time) (int64, error) {
	res, err := dbx.ExecContext(ctx, `UPDATE viewing_sessions SET ended_at=$2 WHERE stream_id=$1 AND ended_at IS NULL`, streamID, endedAt)
	if err != nil {
		return 0, fmt.Errorf("close open sessions: %w", err)
	}
	return res.RowsAffected()
}

// RecordChatMessage appends to the interaction log and bumps the stream's message count.
func RecordChatMessage(ctx context.Context, dbx *sql.DB, streamID int64, username, message string) error {
	if _, err := dbx.ExecContext(ctx, `INSERT INTO chat_messages (stream_id, username, message) VALUES ($1,$2,$3)`,
		streamID, username, message); err != nil {
		return fmt.Errorf("record chat message: %w", err)
	}
	_, err := dbx.ExecContext(ctx, `UPDATE streams SET message_count=message_count+1, updated_at=NOW() WHERE id=$1`, streamID)
	return err
}

// RecordRedemption appends a reward redemption to the interaction log.
func RecordRedemption(ctx context.Context, dbx *sql.DB, streamID int64, username, rewardTitle string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO redemptions (stream_id, username, reward_title) VALUES ($1,$2,$3)`,
		streamID, username, rewardTitle)
	if err != nil {
		return fmt.Errorf("record redemption: %w", err)
	}
	return nil
}
