package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/onnwee/streamkeeper/twitchapi"
)

const defaultAPIURL = "https://api.twitch.tv/helix"

// Subscription kinds tracked by the Manager. Stream lifecycle subscriptions
// live for the whole process; chat and redemption subscriptions are created on
// entering full engagement and removed on leaving it.
const (
	KindChat          = "chat"
	KindRedemptions   = "redemptions"
	KindStreamOnline  = "stream-online"
	KindStreamOffline = "stream-offline"
)

// Manager creates and deletes EventSub subscriptions over Helix for a single
// websocket session. Subscribe and Unsubscribe calls are idempotent per kind.
// Websocket-transport subscriptions require the user token of the account that
// opened the socket, so the moderator user token source is used throughout.
type Manager struct {
	// APIURL overrides the Helix base URL, primarily for tests.
	APIURL        string
	TokenSource   twitchapi.TokenGetter
	ClientID      string
	HTTPClient    *http.Client
	BroadcasterID string
	BotUserID     string

	mu        sync.Mutex
	sessionID string
	ids       map[string]string // kind -> subscription id
}

func (m *Manager) apiURL() string {
	if m.APIURL != "" {
		return m.APIURL
	}
	return defaultAPIURL
}

func (m *Manager) http() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

// SetSession records the websocket session id and forgets previously tracked
// subscriptions; Twitch drops them with the old socket.
func (m *Manager) SetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
	m.ids = make(map[string]string)
}

// Active returns the kinds with a live subscription, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.ids))
	for k := range m.ids {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// SubscribeStreamLifecycle registers stream.online and stream.offline.
func (m *Manager) SubscribeStreamLifecycle(ctx context.Context) error {
	if err := m.subscribe(ctx, KindStreamOnline, "stream.online", "1", map[string]string{
		"broadcaster_user_id": m.BroadcasterID,
	}); err != nil {
		return err
	}
	return m.subscribe(ctx, KindStreamOffline, "stream.offline", "1", map[string]string{
		"broadcaster_user_id": m.BroadcasterID,
	})
}

// SubscribeChat registers channel.chat.message delivery to the bot user.
func (m *Manager) SubscribeChat(ctx context.Context) error {
	return m.subscribe(ctx, KindChat, "channel.chat.message", "1", map[string]string{
		"broadcaster_user_id": m.BroadcasterID,
		"user_id":             m.BotUserID,
	})
}

// UnsubscribeChat removes the chat subscription if one exists.
func (m *Manager) UnsubscribeChat(ctx context.Context) error {
	return m.unsubscribe(ctx, KindChat)
}

// SubscribeRedemptions registers channel point redemption notifications.
func (m *Manager) SubscribeRedemptions(ctx context.Context) error {
	return m.subscribe(ctx, KindRedemptions, "channel.channel_points_custom_reward_redemption.add", "1", map[string]string{
		"broadcaster_user_id": m.BroadcasterID,
	})
}

// UnsubscribeRedemptions removes the redemption subscription if one exists.
func (m *Manager) UnsubscribeRedemptions(ctx context.Context) error {
	return m.unsubscribe(ctx, KindRedemptions)
}

func (m *Manager) subscribe(ctx context.Context, kind, eventType, version string, condition map[string]string) error {
	m.mu.Lock()
	if m.ids == nil {
		m.ids = make(map[string]string)
	}
	if _, ok := m.ids[kind]; ok {
		m.mu.Unlock()
		return nil
	}
	sessionID := m.sessionID
	m.mu.Unlock()
	if sessionID == "" {
		return fmt.Errorf("subscribe %s: no eventsub session", kind)
	}

	body := map[string]interface{}{
		"type":      eventType,
		"version":   version,
		"condition": condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal subscription body: %w", err)
	}

	tok, err := m.TokenSource.Get(ctx)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL()+"/eventsub/subscriptions", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create subscription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Client-Id", m.ClientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http().Do(req)
	if err != nil {
		return fmt.Errorf("send subscription request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("subscribe %s: twitch returned %s: %s", kind, resp.Status, string(raw))
	}

	var created struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("decode subscription response: %w", err)
	}
	if len(created.Data) == 0 {
		return fmt.Errorf("subscribe %s: empty subscription response", kind)
	}

	m.mu.Lock()
	m.ids[kind] = created.Data[0].ID
	m.mu.Unlock()
	slog.Info("eventsub subscription created",
		slog.String("kind", kind),
		slog.String("type", eventType),
		slog.String("id", created.Data[0].ID))
	return nil
}

func (m *Manager) unsubscribe(ctx context.Context, kind string) error {
	m.mu.Lock()
	id, ok := m.ids[kind]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	tok, err := m.TokenSource.Get(ctx)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", kind, err)
	}
	u := m.apiURL() + "/eventsub/subscriptions?id=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("create unsubscribe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Client-Id", m.ClientID)

	resp, err := m.http().Do(req)
	if err != nil {
		return fmt.Errorf("send unsubscribe request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	// 404 means the subscription is already gone; treat as success.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unsubscribe %s: twitch returned %s: %s", kind, resp.Status, string(raw))
	}

	m.mu.Lock()
	delete(m.ids, kind)
	m.mu.Unlock()
	slog.Info("eventsub subscription removed", slog.String("kind", kind), slog.String("id", id))
	return nil
}
