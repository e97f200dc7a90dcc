// Package oauth keeps the stored Twitch user token fresh. The moderator user
// token lives encrypted in the oauth_tokens table; a background refresher
// exchanges the refresh token before expiry, and StoredTokenSource exposes the
// current access token to the Helix client.
package oauth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/streamkeeper/db"
)

// ProviderTwitch is the oauth_tokens row key for the bot's Twitch user token.
const ProviderTwitch = "twitch"

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TwitchRefreshFunc builds a RefreshFunc over the Twitch refresh grant. The
// provider does not echo scopes through this flow; the stored scope is kept.
func TwitchRefreshFunc(clientID, clientSecret string) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		oc := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: twitch.Endpoint}
		tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
	}
}

// StartRefresher launches a goroutine that periodically checks the stored
// token and refreshes it when its remaining lifetime falls inside window.
// Checks are jittered to spread load across instances.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			if err := RefreshIfNeeded(ctx, dbx, provider, window, fn); err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
			}
		}
	}()
}

// RefreshIfNeeded refreshes the stored token when its remaining lifetime is
// at most window. A missing row or a token outside the window is a no-op.
func RefreshIfNeeded(ctx context.Context, dbx *sql.DB, provider string, window time.Duration, fn RefreshFunc) error {
	_, rt, exp, scope, err := db.GetOAuthToken(ctx, dbx, provider)
	if err != nil {
		return err
	}
	// GetOAuthToken returns zero values for a missing row.
	if rt == "" {
		return nil
	}
	if time.Until(exp) > window {
		return nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
	if err != nil {
		return err
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, dbx, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return err
	}
	slog.Info("token refreshed", slog.String("provider", provider))
	return nil
}

// StoredTokenSource implements the Helix token getter over the oauth_tokens
// table, caching the access token until shortly before its stored expiry.
type StoredTokenSource struct {
	DB       *sql.DB
	Provider string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (s *StoredTokenSource) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expiresAt) > time.Minute {
		return s.token, nil
	}
	access, _, exp, _, err := db.GetOAuthToken(ctx, s.DB, s.Provider)
	if err != nil {
		return "", err
	}
	if access == "" {
		return "", errors.New("no stored access token")
	}
	s.token = access
	s.expiresAt = exp
	return s.token, nil
}

// Invalidate drops the cached token; the next Get rereads the table, picking
// up whatever the refresher wrote in the meantime.
func (s *StoredTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}
