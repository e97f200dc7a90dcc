package orchestrator

import (
	"context"
	"database/sql"
	"time"

	"github.com/onnwee/streamkeeper/db"
)

// Store is the persistence surface the orchestrator needs. Implemented by
// SQLStore for Postgres and by an in-memory fake in tests.
type Store interface {
	OpenStream(ctx context.Context, twitchStreamID, title, category string, startedAt time.Time) (int64, error)
	CloseStream(ctx context.Context, id int64, endedAt time.Time) (bool, error)
	UpdatePeakViewers(ctx context.Context, id int64, viewers int) error
	OpenViewingSession(ctx context.Context, streamID int64, username string, startedAt time.Time) error
	CloseViewingSession(ctx context.Context, streamID int64, username string, endedAt time.Time) error
	OpenSessionUsernames(ctx context.Context, streamID int64) ([]string, error)
	CloseOpenSessions(ctx context.Context, streamID int64, endedAt time.Time) (int64, error)
	RecordChatMessage(ctx context.Context, streamID int64, username, message string) error
	RecordRedemption(ctx context.Context, streamID int64, username, rewardTitle string) error
	Close() error
}

// SQLStore adapts the db package helpers to the Store interface.
type SQLStore struct {
	DB *sql.DB
}

func (s *SQLStore) OpenStream(ctx context.Context, twitchStreamID, title, category string, startedAt time.Time) (int64, error) {
	return db.OpenStream(ctx, s.DB, twitchStreamID, title, category, startedAt)
}

func (s *SQLStore) CloseStream(ctx context.Context, id int64, endedAt time.Time) (bool, error) {
	return db.CloseStream(ctx, s.DB, id, endedAt)
}

func (s *SQLStore) UpdatePeakViewers(ctx context.Context, id int64, viewers int) error {
	return db.UpdatePeakViewers(ctx, s.DB, id, viewers)
}

func (s *SQLStore) OpenViewingSession(ctx context.Context, streamID int64, username string, startedAt time.Time) error {
	return db.OpenViewingSession(ctx, s.DB, streamID, username, startedAt)
}

func (s *SQLStore) CloseViewingSession(ctx context.Context, streamID int64, username string, endedAt time.Time) error {
	return db.CloseViewingSession(ctx, s.DB, streamID, username, endedAt)
}

func (s *SQLStore) OpenSessionUsernames(ctx context.Context, streamID int64) ([]string, error) {
	return db.OpenSessionUsernames(ctx, s.DB, streamID)
}

func (s *SQLStore) CloseOpenSessions(ctx context.Context, streamID int64, endedAt time.Time) (int64, error) {
	return db.CloseOpenSessions(ctx, s.DB, streamID, endedAt)
}

func (s *SQLStore) RecordChatMessage(ctx context.Context, streamID int64, username, message string) error {
	return db.RecordChatMessage(ctx, s.DB, streamID, username, message)
}

func (s *SQLStore) RecordRedemption(ctx context.Context, streamID int64, username, rewardTitle string) error {
	return db.RecordRedemption(ctx, s.DB, streamID, username, rewardTitle)
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}
