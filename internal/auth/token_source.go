// Package auth provides the authentication collaborator consumed by the sync
// service: a source of bearer tokens for the remote API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired indicates that the stored token's expiry has passed and
	// the user must re-authenticate before sync can resume.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrNoToken indicates that no token is available at all.
	ErrNoToken = errors.New("auth: no token available")
)

// TokenSource yields the bearer token attached to every sync request.
// Failures are non-retryable: the sync engine pauses until re-authentication.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticTokenSource struct {
	token string
}

// NewStaticTokenSource returns a TokenSource that always yields token.
func NewStaticTokenSource(token string) TokenSource {
	return &staticTokenSource{token: token}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	if strings.TrimSpace(s.token) == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// FileTokenSourceConfig configures a file-backed token source.
type FileTokenSourceConfig struct {
	Path  string
	Clock func() time.Time
}

// FileTokenSource reads a JWT from disk, caches it, and rejects it once its
// registered expiry claim has passed so a dead token never wastes a network
// round trip. The signature is not verified here; the server remains the
// authority and answers 401 for anything forged.
type FileTokenSource struct {
	path  string
	clock func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewFileTokenSource constructs a FileTokenSource.
func NewFileTokenSource(cfg FileTokenSourceConfig) (*FileTokenSource, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("auth: token file path is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &FileTokenSource{path: cfg.Path, clock: clock}, nil
}

// Token returns the cached token, re-reading the file when the cache is empty
// or expired.
func (s *FileTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if s.token != "" && (s.expiresAt.IsZero() || now.Before(s.expiresAt)) {
		return s.token, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("auth: read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrNoToken
	}

	expiresAt, err := tokenExpiry(token)
	if err != nil {
		return "", err
	}
	if !expiresAt.IsZero() && !now.Before(expiresAt) {
		return "", fmt.Errorf("%w: at %s", ErrTokenExpired, expiresAt.Format(time.RFC3339))
	}

	s.token = token
	s.expiresAt = expiresAt
	return token, nil
}

// Invalidate drops the cached token, forcing a re-read on the next call.
// Called after the server answers 401 on a token the cache considered live.
func (s *FileTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

func tokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("auth: malformed token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time.UTC(), nil
}
