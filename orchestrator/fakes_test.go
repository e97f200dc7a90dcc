package orchestrator

import (
	"context"
	"sync"
	"time"
)

// In-memory collaborator fakes. They record enough call history to assert the
// state-machine contracts without a database or network.

type fakeStream struct {
	twitchID string
	title    string
	started  time.Time
	ended    *time.Time
	peak     int
}

type fakeSession struct {
	username string
	started  time.Time
	ended    *time.Time
}

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	streams  map[int64]*fakeStream
	sessions map[int64][]*fakeSession
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		streams:  make(map[int64]*fakeStream),
		sessions: make(map[int64][]*fakeSession),
	}
}

func (s *fakeStore) OpenStream(ctx context.Context, twitchStreamID, title, category string, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Same contract as the real upsert: one row per twitch stream id, and
	// re-opening a closed row clears its end time.
	for id, st := range s.streams {
		if st.twitchID == twitchStreamID {
			st.ended = nil
			st.title = title
			return id, nil
		}
	}
	s.nextID++
	s.streams[s.nextID] = &fakeStream{twitchID: twitchStreamID, title: title, started: startedAt}
	return s.nextID, nil
}

func (s *fakeStore) CloseStream(ctx context.Context, id int64, endedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok || st.ended != nil {
		return false, nil
	}
	st.ended = &endedAt
	return true, nil
}

func (s *fakeStore) UpdatePeakViewers(ctx context.Context, id int64, viewers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[id]; ok && viewers > st.peak {
		st.peak = viewers
	}
	return nil
}

func (s *fakeStore) OpenViewingSession(ctx context.Context, streamID int64, username string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions[streamID] {
		if sess.username == username && sess.ended == nil {
			return nil
		}
	}
	s.sessions[streamID] = append(s.sessions[streamID], &fakeSession{username: username, started: startedAt})
	return nil
}

func (s *fakeStore) CloseViewingSession(ctx context.Context, streamID int64, username string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions[streamID] {
		if sess.username == username && sess.ended == nil {
			sess.ended = &endedAt
		}
	}
	return nil
}

func (s *fakeStore) OpenSessionUsernames(ctx context.Context, streamID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, sess := range s.sessions[streamID] {
		if sess.ended == nil {
			out = append(out, sess.username)
		}
	}
	return out, nil
}

func (s *fakeStore) CloseOpenSessions(ctx context.Context, streamID int64, endedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions[streamID] {
		if sess.ended == nil {
			sess.ended = &endedAt
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) RecordChatMessage(ctx context.Context, streamID int64, username, message string) error {
	return nil
}

func (s *fakeStore) RecordRedemption(ctx context.Context, streamID int64, username, rewardTitle string) error {
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) openStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.streams {
		if st.ended == nil {
			n++
		}
	}
	return n
}

func (s *fakeStore) streamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *fakeStore) session(streamID int64, username string) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions[streamID] {
		if sess.username == username {
			return sess
		}
	}
	return nil
}

type fakeSubs struct {
	mu             sync.Mutex
	sessionID      string
	lifecycleCalls int
	chatSubs       int
	chatUnsubs     int
	redempSubs     int
	redempUnsubs   int
}

func (f *fakeSubs) SetSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = sessionID
}

func (f *fakeSubs) SubscribeStreamLifecycle(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycleCalls++
	return nil
}

func (f *fakeSubs) SubscribeChat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatSubs++
	return nil
}

func (f *fakeSubs) UnsubscribeChat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatUnsubs++
	return nil
}

func (f *fakeSubs) SubscribeRedemptions(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redempSubs++
	return nil
}

func (f *fakeSubs) UnsubscribeRedemptions(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redempUnsubs++
	return nil
}

func (f *fakeSubs) counts() (chatSubs, chatUnsubs, redempSubs, redempUnsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatSubs, f.chatUnsubs, f.redempSubs, f.redempUnsubs
}

type fakeTransport struct {
	mu     sync.Mutex
	closes int
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeBackups struct {
	mu   sync.Mutex
	tags []string
}

func (f *fakeBackups) CreateBackup(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tag)
	return nil
}

func (f *fakeBackups) tagCount(tag string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tags {
		if t == tag {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) SendLifecycleMessage(ctx context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
}

type fakePresence struct {
	mu       sync.Mutex
	snapshot []string
	viewers  int
	live     bool
}

func (f *fakePresence) setSnapshot(viewers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = viewers
}

func (f *fakePresence) ListCurrentViewers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.snapshot))
	copy(out, f.snapshot)
	return out, nil
}

func (f *fakePresence) ViewerCount(ctx context.Context) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewers, f.live, nil
}
