package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pagenest/pagesync/internal/auth"
)

func TestClassifyRequestStatuses(t *testing.T) {
	cases := []struct {
		status int
		want   FailureClass
	}{
		{status: 401, want: FailureAuth},
		{status: 403, want: FailureAuth},
		{status: 408, want: FailureRetryable},
		{status: 429, want: FailureRetryable},
		{status: 500, want: FailureRetryable},
		{status: 503, want: FailureRetryable},
		{status: 400, want: FailureTerminal},
		{status: 404, want: FailureTerminal},
		{status: 422, want: FailureTerminal},
	}
	for _, testCase := range cases {
		got := Classify(&RequestError{Status: testCase.status})
		if got != testCase.want {
			t.Fatalf("status %d: expected class %v, got %v", testCase.status, testCase.want, got)
		}
	}
}

func TestClassifyTransportErrorIsRetryable(t *testing.T) {
	if got := Classify(errors.New("connection refused")); got != FailureRetryable {
		t.Fatalf("expected transport errors to be retryable, got %v", got)
	}
}

func TestClassifyTokenFailuresAreAuth(t *testing.T) {
	if got := Classify(auth.ErrTokenExpired); got != FailureAuth {
		t.Fatalf("expected expired token to classify as auth, got %v", got)
	}
	if got := Classify(fmt.Errorf("wrapped: %w", auth.ErrNoToken)); got != FailureAuth {
		t.Fatalf("expected missing token to classify as auth, got %v", got)
	}
}

type invalidatingTokenSource struct {
	token       string
	invalidated int
}

func (s *invalidatingTokenSource) Token(context.Context) (string, error) {
	return s.token, nil
}

func (s *invalidatingTokenSource) Invalidate() {
	s.invalidated++
}

func TestClientInvalidatesTokenOnAuthRejection(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(status)
	}))
	defer server.Close()

	source := &invalidatingTokenSource{token: "revoked-token"}
	client, err := NewClient(ClientConfig{BaseURL: server.URL, TokenSource: source})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	if _, err := client.pull(context.Background(), ""); Classify(err) != FailureAuth {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if source.invalidated != 1 {
		t.Fatalf("expected 401 to drop the cached token, got %d invalidations", source.invalidated)
	}

	status = http.StatusForbidden
	if _, err := client.pull(context.Background(), ""); Classify(err) != FailureAuth {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if source.invalidated != 2 {
		t.Fatalf("expected 403 to drop the cached token, got %d invalidations", source.invalidated)
	}

	status = http.StatusInternalServerError
	if _, err := client.pull(context.Background(), ""); Classify(err) != FailureRetryable {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	if source.invalidated != 2 {
		t.Fatalf("expected retryable failures to keep the cache, got %d invalidations", source.invalidated)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{TokenSource: auth.NewStaticTokenSource("token")})
	if err == nil {
		t.Fatalf("expected missing base URL to be rejected")
	}
}
