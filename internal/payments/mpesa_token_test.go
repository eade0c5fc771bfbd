package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenSourceCachesToken(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/oauth/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Errorf("expected basic auth credentials, got %q/%q", user, pass)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "tok_1", "expires_in": "3599"}`))
	}))
	defer server.Close()

	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	source, err := NewTokenSource(TokenSourceConfig{
		BaseURL:        server.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Clock:          func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewTokenSource: %v", err)
	}

	for i := 0; i < 3; i++ {
		token, err := source.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if token != "tok_1" {
			t.Fatalf("expected tok_1, got %q", token)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single exchange, got %d", calls.Load())
	}
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.Write([]byte(`{"access_token": "tok_1", "expires_in": "60"}`))
			return
		}
		w.Write([]byte(`{"access_token": "tok_2", "expires_in": "3599"}`))
	}))
	defer server.Close()

	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	source, err := NewTokenSource(TokenSourceConfig{
		BaseURL:        server.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Clock:          func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewTokenSource: %v", err)
	}

	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}

	// Advance inside the expiry safety margin; the cached token must not be reused.
	now = now.Add(45 * time.Second)
	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "tok_2" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two exchanges, got %d", calls.Load())
	}
}

func TestTokenSourceRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	source, err := NewTokenSource(TokenSourceConfig{
		BaseURL:        server.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
	})
	if err != nil {
		t.Fatalf("NewTokenSource: %v", err)
	}

	_, err = source.Token(context.Background())
	var provErr *Error
	if !errors.As(err, &provErr) || provErr.Code != "token_rejected" {
		t.Fatalf("expected token_rejected, got %v", err)
	}
}

func TestNewTokenSourceValidatesConfig(t *testing.T) {
	if _, err := NewTokenSource(TokenSourceConfig{ConsumerKey: "k", ConsumerSecret: "s"}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := NewTokenSource(TokenSourceConfig{BaseURL: "https://example.com"}); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}
