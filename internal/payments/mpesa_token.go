package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tokenExpirySafetyMargin is subtracted from the provider-reported lifetime so
// a token is never presented moments before it lapses.
const tokenExpirySafetyMargin = 30 * time.Second

// TokenSource caches the Daraja OAuth bearer token for the whole process.
// Refreshes are single-flight: concurrent callers hitting a cold or expired
// cache share one exchange instead of stampeding the endpoint.
type TokenSource struct {
	httpClient     *http.Client
	baseURL        string
	consumerKey    string
	consumerSecret string
	clock          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	inflight  chan struct{}
}

// TokenSourceConfig configures the Daraja token source.
type TokenSourceConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	HTTPClient     *http.Client
	Clock          func() time.Time
}

// NewTokenSource validates the configuration and builds a TokenSource.
func NewTokenSource(cfg TokenSourceConfig) (*TokenSource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("mpesa: token base url is required")
	}
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return nil, errors.New("mpesa: consumer credentials are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &TokenSource{
		httpClient:     httpClient,
		baseURL:        baseURL,
		consumerKey:    strings.TrimSpace(cfg.ConsumerKey),
		consumerSecret: strings.TrimSpace(cfg.ConsumerSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Token returns a valid bearer token, refreshing it when the cached one is
// absent or within the safety margin of expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if s == nil {
		return "", errors.New("mpesa: token source is nil")
	}

	for {
		s.mu.Lock()
		if s.token != "" && s.clock().Before(s.expiresAt.Add(-tokenExpirySafetyMargin)) {
			token := s.token
			s.mu.Unlock()
			return token, nil
		}

		if s.inflight == nil {
			ch := make(chan struct{})
			s.inflight = ch
			s.mu.Unlock()

			token, expiresAt, err := s.exchange(ctx)

			s.mu.Lock()
			if err == nil {
				s.token = token
				s.expiresAt = expiresAt
			}
			close(ch)
			s.inflight = nil
			s.mu.Unlock()

			return token, err
		}

		ch := s.inflight
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

type darajaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (s *TokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	url := s.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mpesa: build token request: %w", err)
	}
	req.SetBasicAuth(s.consumerKey, s.consumerSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, NewError("mpesa", "token_request_failed", "token exchange failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mpesa: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, NewError("mpesa", "token_rejected", fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var payload darajaTokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("mpesa: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", time.Time{}, NewError("mpesa", "token_empty", "token endpoint returned no access token", nil)
	}

	// Daraja reports the lifetime in seconds as a string.
	seconds, err := strconv.Atoi(strings.TrimSpace(payload.ExpiresIn))
	if err != nil || seconds <= 0 {
		seconds = 3599
	}

	return payload.AccessToken, s.clock().Add(time.Duration(seconds) * time.Second), nil
}
