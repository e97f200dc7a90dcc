// Package eventsub maintains the Twitch EventSub websocket: it dials, tracks
// the session id, dispatches notifications to handler callbacks, and follows
// reconnect instructions. Subscriptions themselves are managed over the Helix
// REST API by Manager.
package eventsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWSURL = "wss://eventsub.wss.twitch.tv/ws"

const reconnectDelay = 5 * time.Second

// Client is the EventSub websocket transport. Handlers are assigned before Run
// and may be reassigned between sessions; OnSessionChange fires on every
// session_welcome (initial connect and after reconnects) so the caller can
// re-establish its subscriptions against the new session id.
type Client struct {
	// WSURL overrides the EventSub endpoint, primarily for tests.
	WSURL  string
	Dialer *websocket.Dialer

	OnSessionChange func(ctx context.Context, sessionID string)
	OnChatMessage   func(ChatMessageEvent)
	OnRedemption    func(RedemptionEvent)
	OnStreamOnline  func(StreamOnlineEvent)
	OnStreamOffline func(StreamOfflineEvent)

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *Client) wsURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return defaultWSURL
}

func (c *Client) dialer() *websocket.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return websocket.DefaultDialer
}

// Run connects and processes messages until ctx is cancelled or Close is
// called. Lost connections are redialed after a short delay; Twitch-initiated
// reconnects follow the advertised reconnect URL.
func (c *Client) Run(ctx context.Context) error {
	url := c.wsURL()
	for {
		next, err := c.runConn(ctx, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		if err != nil {
			slog.Warn("eventsub connection lost, retrying",
				slog.Any("err", err),
				slog.Duration("delay", reconnectDelay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
			}
			url = c.wsURL()
			continue
		}
		if next != "" {
			// session_reconnect: dial the replacement endpoint immediately.
			url = next
			continue
		}
		url = c.wsURL()
	}
}

// runConn handles one websocket connection. A non-empty first return value is
// a reconnect URL to dial next.
func (c *Client) runConn(ctx context.Context, url string) (string, error) {
	conn, _, err := c.dialer().DialContext(ctx, url, nil)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return "", nil
	}
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	slog.Info("eventsub connected", slog.String("url", url))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return "", err
		}
		next, err := c.handleFrame(ctx, raw)
		if err != nil {
			slog.Error("eventsub frame handling failed", slog.Any("err", err))
			continue
		}
		if next != "" {
			conn.Close()
			return next, nil
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) (string, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", err
	}
	switch f.Metadata.MessageType {
	case "session_welcome":
		var p sessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return "", err
		}
		slog.Debug("eventsub session established", slog.String("session_id", p.Session.ID))
		if c.OnSessionChange != nil {
			c.OnSessionChange(ctx, p.Session.ID)
		}
	case "session_reconnect":
		var p sessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return "", err
		}
		slog.Info("eventsub reconnect requested", slog.String("url", p.Session.ReconnectURL))
		if p.Session.ReconnectURL == "" {
			return c.wsURL(), nil
		}
		return p.Session.ReconnectURL, nil
	case "session_keepalive":
		// nothing to do
	case "notification":
		var env envelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			return "", err
		}
		return "", c.dispatch(env)
	case "revocation":
		var env envelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			return "", err
		}
		slog.Warn("eventsub subscription revoked",
			slog.String("type", env.Subscription.Type),
			slog.String("id", env.Subscription.ID))
	}
	return "", nil
}

func (c *Client) dispatch(env envelope) error {
	switch env.Subscription.Type {
	case "channel.chat.message":
		var ev ChatMessageEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return err
		}
		if c.OnChatMessage != nil {
			c.OnChatMessage(ev)
		}
	case "channel.channel_points_custom_reward_redemption.add":
		var ev RedemptionEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return err
		}
		if c.OnRedemption != nil {
			c.OnRedemption(ev)
		}
	case "stream.online":
		var ev StreamOnlineEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return err
		}
		if c.OnStreamOnline != nil {
			c.OnStreamOnline(ev)
		}
	case "stream.offline":
		var ev StreamOfflineEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return err
		}
		if c.OnStreamOffline != nil {
			c.OnStreamOffline(ev)
		}
	default:
		slog.Debug("eventsub notification ignored", slog.String("type", env.Subscription.Type))
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the websocket and stops Run. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
