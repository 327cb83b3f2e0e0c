package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testTime = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, expiresAt *time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "device-1"}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func writeTokenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write token file: %v", err)
	}
	return path
}

func TestStaticTokenSource(t *testing.T) {
	token, err := NewStaticTokenSource("abc").Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "abc" {
		t.Fatalf("unexpected token %q", token)
	}

	if _, err := NewStaticTokenSource("  ").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken for blank token, got %v", err)
	}
}

func TestFileTokenSourceYieldsLiveToken(t *testing.T) {
	expiry := testTime.Add(time.Hour)
	signed := signedToken(t, &expiry)
	source, err := NewFileTokenSource(FileTokenSourceConfig{
		Path:  writeTokenFile(t, signed+"\n"),
		Clock: func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}

	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != signed {
		t.Fatalf("expected trimmed file content, got %q", token)
	}
}

func TestFileTokenSourceRejectsExpiredToken(t *testing.T) {
	expiry := testTime.Add(-time.Minute)
	source, err := NewFileTokenSource(FileTokenSourceConfig{
		Path:  writeTokenFile(t, signedToken(t, &expiry)),
		Clock: func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}

	if _, err := source.Token(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestFileTokenSourceCacheExpiresOverTime(t *testing.T) {
	expiry := testTime.Add(30 * time.Minute)
	current := testTime
	source, err := NewFileTokenSource(FileTokenSourceConfig{
		Path:  writeTokenFile(t, signedToken(t, &expiry)),
		Clock: func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}

	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("expected live token, got %v", err)
	}

	current = testTime.Add(time.Hour)
	if _, err := source.Token(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected cached token to expire, got %v", err)
	}
}

func TestFileTokenSourceTokenWithoutExpiryNeverExpires(t *testing.T) {
	current := testTime
	source, err := NewFileTokenSource(FileTokenSourceConfig{
		Path:  writeTokenFile(t, signedToken(t, nil)),
		Clock: func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}

	current = testTime.Add(1000 * time.Hour)
	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("expected token without expiry claim to stay valid, got %v", err)
	}
}

func TestFileTokenSourceMissingFile(t *testing.T) {
	source, err := NewFileTokenSource(FileTokenSourceConfig{
		Path: filepath.Join(t.TempDir(), "absent"),
	})
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}

	if _, err := source.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestFileTokenSourceInvalidatePicksUpNewToken(t *testing.T) {
	expiry := testTime.Add(time.Hour)
	first := signedToken(t, &expiry)
	path := writeTokenFile(t, first)
	source, err := NewFileTokenSource(FileTokenSourceConfig{
		Path:  path,
		Clock: func() time.Time { return testTime },
	})
	if err != nil {
		t.Fatalf("failed to build source: %v", err)
	}

	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	laterExpiry := testTime.Add(2 * time.Hour)
	second := signedToken(t, &laterExpiry)
	if err := os.WriteFile(path, []byte(second), 0o600); err != nil {
		t.Fatalf("failed to rewrite token file: %v", err)
	}

	// Still cached until invalidated.
	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != first {
		t.Fatalf("expected cached token before invalidation, got %q", token)
	}

	source.Invalidate()
	token, err = source.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != second {
		t.Fatalf("expected re-read token after invalidation, got %q", token)
	}
}
