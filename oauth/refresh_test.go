package oauth

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/streamkeeper/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	if err := db.Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dbx
}

func seedToken(t *testing.T, dbx *sql.DB, provider string, expiry time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := db.UpsertOAuthToken(ctx, dbx, provider, "old-access", "old-refresh", expiry, "moderator:read:chatters"); err != nil {
		t.Fatalf("UpsertOAuthToken: %v", err)
	}
	t.Cleanup(func() {
		_, _ = dbx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider=$1`, provider)
	})
}

func TestRefreshIfNeededInsideWindow(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()
	seedToken(t, dbx, "test-refresh-window", time.Now().Add(5*time.Minute))

	calls := 0
	fn := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		calls++
		if refreshToken != "old-refresh" {
			t.Errorf("refresh token = %s, want old-refresh", refreshToken)
		}
		return "new-access", "new-refresh", time.Now().Add(4 * time.Hour), "", nil
	}

	if err := RefreshIfNeeded(ctx, dbx, "test-refresh-window", 15*time.Minute, fn); err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 refresh call, got %d", calls)
	}

	access, refresh, _, scope, err := db.GetOAuthToken(ctx, dbx, "test-refresh-window")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if access != "new-access" || refresh != "new-refresh" {
		t.Errorf("stored tokens = %s/%s, want new-access/new-refresh", access, refresh)
	}
	// Empty scope from the provider keeps the previous scope.
	if scope != "moderator:read:chatters" {
		t.Errorf("scope = %s, want original scope retained", scope)
	}

	// Token now expires far in the future; no further refresh.
	if err := RefreshIfNeeded(ctx, dbx, "test-refresh-window", 15*time.Minute, fn); err != nil {
		t.Fatalf("RefreshIfNeeded (second): %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no refresh outside the window, got %d calls", calls)
	}
}

func TestRefreshIfNeededMissingRow(t *testing.T) {
	dbx := testDB(t)
	fn := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		t.Fatal("refresh must not run without a stored token")
		return "", "", time.Time{}, "", nil
	}
	if err := RefreshIfNeeded(context.Background(), dbx, "test-refresh-absent", 15*time.Minute, fn); err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
}

func TestStoredTokenSource(t *testing.T) {
	dbx := testDB(t)
	ctx := context.Background()
	seedToken(t, dbx, "test-token-source", time.Now().Add(time.Hour))

	src := &StoredTokenSource{DB: dbx, Provider: "test-token-source"}
	tok, err := src.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok != "old-access" {
		t.Errorf("Get = %s, want old-access", tok)
	}

	// Simulate the refresher writing a new token; the cached copy is served
	// until invalidated.
	if err := db.UpsertOAuthToken(ctx, dbx, "test-token-source", "rotated", "old-refresh", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("UpsertOAuthToken: %v", err)
	}
	tok, err = src.Get(ctx)
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if tok != "old-access" {
		t.Errorf("Get before Invalidate = %s, want cached old-access", tok)
	}

	src.Invalidate()
	tok, err = src.Get(ctx)
	if err != nil {
		t.Fatalf("Get (after invalidate): %v", err)
	}
	if tok != "rotated" {
		t.Errorf("Get after Invalidate = %s, want rotated", tok)
	}
}
