// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// user id resolution, live-status queries, the chatters presence snapshot, and
// chat message sends.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const helixMaxRetries = 3

// HelixClient provides the Helix methods the orchestrator and its collaborators need.
// AppTokenSource serves public reads; UserTokenSource (moderator-scoped, persisted in
// the oauth_tokens table) serves chatters and chat sends.
type HelixClient struct {
	AppTokenSource  TokenGetter
	UserTokenSource TokenGetter
	ClientID        string
	HTTPClient      *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// doHelix performs one Helix request with retry on 5xx and a single forced token
// refresh on 401 (when the token source supports invalidation).
func (hc *HelixClient) doHelix(ctx context.Context, ts TokenGetter, method, rawURL string, body []byte, out interface{}) error {
	refreshed := false
	for attempt := 0; attempt < helixMaxRetries; attempt++ {
		tok, err := ts.Get(ctx)
		if err != nil {
			return err
		}
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		func() {
			defer func() {
				if err := resp.Body.Close(); err != nil {
					slog.Warn("failed to close response body", slog.Any("err", err))
				}
			}()
			switch {
			case resp.StatusCode == http.StatusUnauthorized && !refreshed:
				if inv, ok := ts.(interface{ Invalidate() }); ok {
					inv.Invalidate()
					refreshed = true
				}
				err = fmt.Errorf("helix %s: %s", rawURL, resp.Status)
			case resp.StatusCode >= 500:
				err = fmt.Errorf("helix %s: %s", rawURL, resp.Status)
			case resp.StatusCode >= 400:
				err = fmt.Errorf("helix %s: %s", rawURL, resp.Status)
				attempt = helixMaxRetries // client errors are not retryable
			default:
				if out != nil {
					err = json.NewDecoder(resp.Body).Decode(out)
				}
				attempt = helixMaxRetries
			}
		}()
		if err == nil {
			return nil
		}
		if attempt >= helixMaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("helix %s: retries exhausted", rawURL)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	u := "https://api.twitch.tv/helix/users?login=" + url.QueryEscape(login)
	if err := hc.doHelix(ctx, hc.AppTokenSource, http.MethodGet, u, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// StreamInfo describes a live broadcast as reported by /helix/streams.
type StreamInfo struct {
	ID          string
	Title       string
	Category    string
	ViewerCount int
	StartedAt   time.Time
}

// GetStreams returns live streams for a channel login; empty means offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]StreamInfo, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			GameName    string `json:"game_name"`
			ViewerCount int    `json:"viewer_count"`
			StartedAt   string `json:"started_at"`
		} `json:"data"`
	}
	u := "https://api.twitch.tv/helix/streams?user_login=" + url.QueryEscape(login)
	if err := hc.doHelix(ctx, hc.AppTokenSource, http.MethodGet, u, nil, &body); err != nil {
		return nil, err
	}
	out := make([]StreamInfo, 0, len(body.Data))
	for _, s := range body.Data {
		started, _ := time.Parse(time.RFC3339, s.StartedAt)
		out = append(out, StreamInfo{
			ID:          s.ID,
			Title:       s.Title,
			Category:    s.GameName,
			ViewerCount: s.ViewerCount,
			StartedAt:   started.UTC(),
		})
	}
	return out, nil
}

// GetChatters returns the logins currently connected to the broadcaster's chat,
// following pagination. Requires the moderator-scoped user token.
func (hc *HelixClient) GetChatters(ctx context.Context, broadcasterID, moderatorID string) ([]string, error) {
	if broadcasterID == "" || moderatorID == "" {
		return nil, fmt.Errorf("broadcaster/moderator id empty")
	}
	var out []string
	after := ""
	for {
		var body struct {
			Data []struct {
				UserLogin string `json:"user_login"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		q := url.Values{}
		q.Set("broadcaster_id", broadcasterID)
		q.Set("moderator_id", moderatorID)
		q.Set("first", strconv.Itoa(1000))
		if after != "" {
			q.Set("after", after)
		}
		u := "https://api.twitch.tv/helix/chat/chatters?" + q.Encode()
		if err := hc.doHelix(ctx, hc.UserTokenSource, http.MethodGet, u, nil, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			out = append(out, d.UserLogin)
		}
		if body.Pagination.Cursor == "" {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
}

// SendChatMessage posts a chat message as the bot user via Helix.
func (hc *HelixClient) SendChatMessage(ctx context.Context, broadcasterID, senderID, message string) error {
	payload, err := json.Marshal(map[string]string{
		"broadcaster_id": broadcasterID,
		"sender_id":      senderID,
		"message":        message,
	})
	if err != nil {
		return err
	}
	var body struct {
		Data []struct {
			IsSent bool `json:"is_sent"`
		} `json:"data"`
	}
	if err := hc.doHelix(ctx, hc.UserTokenSource, http.MethodPost, "https://api.twitch.tv/helix/chat/messages", payload, &body); err != nil {
		return err
	}
	if len(body.Data) == 0 || !body.Data[0].IsSent {
		return fmt.Errorf("chat message not sent")
	}
	return nil
}
