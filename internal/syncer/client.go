package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagenest/pagesync/internal/auth"
)

const (
	defaultRequestTimeout = 30 * time.Second
	pushPath              = "/sync/pages/push"
	pullPath              = "/sync/pages/pull"

	// Bodies of failed responses are truncated before logging so a verbose
	// error page cannot flood the log.
	maxErrorBodyBytes = 2048
)

// FailureClass groups request failures by how the sync engine must react.
type FailureClass int

const (
	// FailureRetryable covers transport errors, timeouts, 5xx, 408 and 429.
	FailureRetryable FailureClass = iota
	// FailureAuth covers 401/403 and token-source failures. Sync pauses
	// until re-authentication.
	FailureAuth
	// FailureTerminal covers the remaining 4xx range, usually a schema
	// mismatch between client and server. Never retried automatically.
	FailureTerminal
)

// RequestError is a non-2xx response from the sync endpoint.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("sync request failed with status %d", e.Status)
}

// Classify maps an error from a push or pull call to its FailureClass.
func Classify(err error) FailureClass {
	if errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrNoToken) {
		return FailureAuth
	}
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		switch {
		case requestErr.Status == http.StatusUnauthorized || requestErr.Status == http.StatusForbidden:
			return FailureAuth
		case requestErr.Status == http.StatusRequestTimeout || requestErr.Status == http.StatusTooManyRequests:
			return FailureRetryable
		case requestErr.Status >= 500:
			return FailureRetryable
		case requestErr.Status >= 400:
			return FailureTerminal
		}
	}
	// Everything else is a transport-level failure: connection refused,
	// timeout, malformed response body.
	return FailureRetryable
}

// ClientConfig configures the sync API client.
type ClientConfig struct {
	BaseURL     string
	TokenSource auth.TokenSource
	HTTPClient  *http.Client
	Timeout     time.Duration
	Logger      *zap.Logger
}

// Client speaks the push/pull wire protocol of the remote sync endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("syncer: base URL is required")
	}
	if cfg.TokenSource == nil {
		return nil, errors.New("syncer: token source is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     cfg.TokenSource,
		logger:     logger,
	}, nil
}

func (c *Client) push(ctx context.Context, request pushRequest) (*pushResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("syncer: encode push request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("syncer: build push request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	var response pushResponse
	if err := c.do(httpRequest, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (c *Client) pull(ctx context.Context, since string) (*pullResponse, error) {
	endpoint := c.baseURL + pullPath
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("syncer: build pull request: %w", err)
	}

	var response pullResponse
	if err := c.do(httpRequest, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (c *Client) do(request *http.Request, out interface{}) error {
	token, err := c.tokens.Token(request.Context())
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("syncer: request failed: %w", err)
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode < 200 || response.StatusCode > 299 {
		truncated, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		requestErr := &RequestError{Status: response.StatusCode, Body: string(truncated)}
		if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
			// The server can revoke a token still inside its expiry window.
			// Dropping the cache lets the next round pick up whatever
			// re-authentication wrote.
			if invalidator, ok := c.tokens.(interface{ Invalidate() }); ok {
				invalidator.Invalidate()
			}
		}
		if Classify(requestErr) == FailureTerminal {
			c.logger.Error("sync request rejected",
				zap.String("path", request.URL.Path),
				zap.Int("status", response.StatusCode),
				zap.String("body", requestErr.Body))
		}
		return requestErr
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("syncer: decode response: %w", err)
	}
	return nil
}
