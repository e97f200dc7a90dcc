package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(server *httptest.Server) *HelixClient {
	app := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret"}
	app.SetToken("app-token", time.Now().Add(time.Hour))
	user := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret"}
	user.SetToken("user-token", time.Now().Add(time.Hour))
	return &HelixClient{
		AppTokenSource:  app,
		UserTokenSource: user,
		ClientID:        "test-client",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}
}

func TestHelixClient_GetUserID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("login"); got != "somechannel" {
			t.Errorf("login = %s, want somechannel", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
			t.Errorf("Authorization = %s, want Bearer app-token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"id": "12345", "login": "somechannel"},
			},
		})
	}))
	defer server.Close()

	hc := testClient(server)
	id, err := hc.GetUserID(context.Background(), "somechannel")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "12345" {
		t.Errorf("GetUserID() = %s, want 12345", id)
	}
}

func TestHelixClient_GetUserIDNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer server.Close()

	hc := testClient(server)
	_, err := hc.GetUserID(context.Background(), "ghost")
	if err == nil {
		t.Fatal("GetUserID() expected error for unknown login, got nil")
	}
	if !strings.Contains(err.Error(), "user not found") {
		t.Errorf("GetUserID() error = %v, want user not found", err)
	}
}

func TestHelixClient_GetStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user_login"); got != "somechannel" {
			t.Errorf("user_login = %s, want somechannel", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{
					"id":           "999888777",
					"title":        "Speedrun Sunday",
					"game_name":    "Celeste",
					"viewer_count": 42,
					"started_at":   "2024-01-01T09:00:00Z",
				},
			},
		})
	}))
	defer server.Close()

	hc := testClient(server)
	streams, err := hc.GetStreams(context.Background(), "somechannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("GetStreams() returned %d streams, want 1", len(streams))
	}
	s := streams[0]
	if s.ID != "999888777" {
		t.Errorf("ID = %s, want 999888777", s.ID)
	}
	if s.Title != "Speedrun Sunday" {
		t.Errorf("Title = %s, want Speedrun Sunday", s.Title)
	}
	if s.Category != "Celeste" {
		t.Errorf("Category = %s, want Celeste", s.Category)
	}
	if s.ViewerCount != 42 {
		t.Errorf("ViewerCount = %d, want 42", s.ViewerCount)
	}
	want := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if !s.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, want)
	}
}

func TestHelixClient_GetStreamsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer server.Close()

	hc := testClient(server)
	streams, err := hc.GetStreams(context.Background(), "somechannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 0 {
		t.Errorf("GetStreams() returned %d streams, want 0 for offline channel", len(streams))
	}
}

func TestHelixClient_GetChattersPaginated(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %s, want Bearer user-token", got)
		}
		if got := r.URL.Query().Get("broadcaster_id"); got != "b1" {
			t.Errorf("broadcaster_id = %s, want b1", got)
		}
		if got := r.URL.Query().Get("moderator_id"); got != "m1" {
			t.Errorf("moderator_id = %s, want m1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			if after := r.URL.Query().Get("after"); after != "" {
				t.Errorf("first page got after = %s, want empty", after)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{
					{"user_login": "alice"},
					{"user_login": "bob"},
				},
				"pagination": map[string]string{"cursor": "page2"},
			})
			return
		}
		if after := r.URL.Query().Get("after"); after != "page2" {
			t.Errorf("second page got after = %s, want page2", after)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"user_login": "carol"},
			},
			"pagination": map[string]string{},
		})
	}))
	defer server.Close()

	hc := testClient(server)
	chatters, err := hc.GetChatters(context.Background(), "b1", "m1")
	if err != nil {
		t.Fatalf("GetChatters() error = %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(chatters) != len(want) {
		t.Fatalf("GetChatters() = %v, want %v", chatters, want)
	}
	for i, u := range want {
		if chatters[i] != u {
			t.Errorf("chatters[%d] = %s, want %s", i, chatters[i], u)
		}
	}
	if calls != 2 {
		t.Errorf("expected 2 pages fetched, got %d", calls)
	}
}

func TestHelixClient_SendChatMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["broadcaster_id"] != "b1" || payload["sender_id"] != "bot1" {
			t.Errorf("payload = %v, want broadcaster b1 and sender bot1", payload)
		}
		if payload["message"] != "back online" {
			t.Errorf("message = %s, want back online", payload["message"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"message_id": "abc", "is_sent": true},
			},
		})
	}))
	defer server.Close()

	hc := testClient(server)
	if err := hc.SendChatMessage(context.Background(), "b1", "bot1", "back online"); err != nil {
		t.Fatalf("SendChatMessage() error = %v", err)
	}
}

func TestHelixClient_SendChatMessageDropped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"message_id": "", "is_sent": false, "drop_reason": map[string]string{"code": "followers_only"}},
			},
		})
	}))
	defer server.Close()

	hc := testClient(server)
	err := hc.SendChatMessage(context.Background(), "b1", "bot1", "hello")
	if err == nil {
		t.Fatal("SendChatMessage() expected error for dropped message, got nil")
	}
}

func TestHelixClient_RetryOn5xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"id": "12345"}},
		})
	}))
	defer server.Close()

	hc := testClient(server)
	id, err := hc.GetUserID(context.Background(), "somechannel")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "12345" {
		t.Errorf("GetUserID() = %s, want 12345", id)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts (5xx then success), got %d", calls)
	}
}

func TestHelixClient_NoRetryOn4xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	hc := testClient(server)
	_, err := hc.GetUserID(context.Background(), "somechannel")
	if err == nil {
		t.Fatal("GetUserID() expected error on 400, got nil")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt for client error, got %d", calls)
	}
}

func TestHelixClient_RefreshOn401(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"id": "12345"}},
		})
	}))
	defer server.Close()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer tokenServer.Close()

	app := &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient: &http.Client{
			Transport: &tokenTransport{host: tokenServer.URL},
		},
	}
	app.SetToken("stale-token", time.Now().Add(time.Hour))
	hc := &HelixClient{
		AppTokenSource: app,
		ClientID:       "test-client",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL},
		},
	}

	id, err := hc.GetUserID(context.Background(), "somechannel")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "12345" {
		t.Errorf("GetUserID() = %s, want 12345", id)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts (401 then refreshed success), got %d", calls)
	}
}

// rewriteTransport redirects Helix requests to a local test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
