package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PayPalLogger defines the logging contract for wallet client operations.
type PayPalLogger func(ctx context.Context, event string, fields map[string]any)

// PayPalClientConfig configures the wallet client.
type PayPalClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Clock        func() time.Time
	Logger       PayPalLogger
}

// PayPalClient implements WalletClient against the Orders v2 REST API.
type PayPalClient struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	clock        func() time.Time
	logger       PayPalLogger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewPayPalClient validates the configuration and builds a PayPalClient.
func NewPayPalClient(cfg PayPalClientConfig) (*PayPalClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("paypal: base url is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("paypal: client credentials are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &PayPalClient{
		httpClient:   httpClient,
		baseURL:      baseURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	Payer struct {
		PayerID string `json:"payer_id"`
	} `json:"payer"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string       `json:"id"`
				Status string       `json:"status"`
				Amount paypalAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type paypalErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// CreateOrder creates a provider-side order and returns the approval link.
func (c *PayPalClient) CreateOrder(ctx context.Context, req WalletOrderRequest) (WalletOrderResult, error) {
	if c == nil {
		return WalletOrderResult{}, errors.New("paypal: client is nil")
	}
	if req.Amount <= 0 {
		return WalletOrderResult{}, NewError("paypal", "invalid_amount", "amount must be positive", nil)
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": strings.TrimSpace(req.Reference),
			"description":  strings.TrimSpace(req.Description),
			"amount": paypalAmount{
				CurrencyCode: strings.ToUpper(req.Currency),
				Value:        minorUnitsToDecimal(req.Amount),
			},
		}},
	}
	if req.ReturnURL != "" || req.CancelURL != "" {
		payload["application_context"] = map[string]any{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		}
	}

	var resp paypalOrderResponse
	if err := c.post(ctx, "/v2/checkout/orders", payload, &resp); err != nil {
		return WalletOrderResult{}, err
	}

	approveURL := ""
	for _, link := range resp.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
			break
		}
	}

	c.logger(ctx, "payments.paypal.order.created", map[string]any{
		"providerOrderId": resp.ID,
		"status":          resp.Status,
	})

	return WalletOrderResult{
		ProviderOrderID: resp.ID,
		Status:          resp.Status,
		ApproveURL:      approveURL,
	}, nil
}

// CaptureOrder captures a buyer-approved order.
func (c *PayPalClient) CaptureOrder(ctx context.Context, providerOrderID string) (WalletCaptureResult, error) {
	if c == nil {
		return WalletCaptureResult{}, errors.New("paypal: client is nil")
	}
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return WalletCaptureResult{}, NewError("paypal", "invalid_request", "provider order id is required", nil)
	}

	var resp paypalOrderResponse
	if err := c.post(ctx, "/v2/checkout/orders/"+url.PathEscape(providerOrderID)+"/capture", map[string]any{}, &resp); err != nil {
		return WalletCaptureResult{}, err
	}

	result := WalletCaptureResult{
		ProviderOrderID: resp.ID,
		PayerID:         resp.Payer.PayerID,
		Status:          StatusPending,
	}
	if resp.Status == "COMPLETED" {
		result.Status = StatusSucceeded
	}
	for _, unit := range resp.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			result.CaptureID = capture.ID
			result.Currency = capture.Amount.CurrencyCode
			result.Amount = decimalToMinorUnits(capture.Amount.Value)
			if capture.Status == "DECLINED" || capture.Status == "FAILED" {
				result.Status = StatusFailed
			}
		}
	}

	c.logger(ctx, "payments.paypal.order.captured", map[string]any{
		"providerOrderId": resp.ID,
		"captureId":       result.CaptureID,
		"status":          resp.Status,
	})

	return result, nil
}

// Refund refunds a captured payment, optionally for a partial amount.
func (c *PayPalClient) Refund(ctx context.Context, req WalletRefundRequest) (WalletCaptureResult, error) {
	if c == nil {
		return WalletCaptureResult{}, errors.New("paypal: client is nil")
	}
	captureID := strings.TrimSpace(req.CaptureID)
	if captureID == "" {
		return WalletCaptureResult{}, NewError("paypal", "invalid_request", "capture id is required", nil)
	}

	payload := map[string]any{}
	if req.Amount != nil {
		payload["amount"] = paypalAmount{
			CurrencyCode: strings.ToUpper(req.Currency),
			Value:        minorUnitsToDecimal(*req.Amount),
		}
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		payload["note_to_payer"] = reason
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/v2/payments/captures/"+url.PathEscape(captureID)+"/refund", payload, &resp); err != nil {
		return WalletCaptureResult{}, err
	}

	status := StatusPending
	if resp.Status == "COMPLETED" {
		status = StatusRefunded
	}

	return WalletCaptureResult{
		CaptureID: captureID,
		Status:    status,
	}, nil
}

func (c *PayPalClient) post(ctx context.Context, path string, payload any, out any) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("paypal: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewError("paypal", "request_failed", "request did not complete", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("paypal: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr paypalErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Name != "" {
			message := apiErr.Message
			if len(apiErr.Details) > 0 {
				message = apiErr.Details[0].Description
			}
			return NewError("paypal", apiErr.Name, message, nil)
		}
		return NewError("paypal", "http_"+strconv.Itoa(resp.StatusCode), "request rejected", nil)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("paypal: decode response: %w", err)
	}
	return nil
}

// bearerToken exchanges client credentials for an access token, caching it
// until shortly before expiry.
func (c *PayPalClient) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.clock().Before(c.expiresAt.Add(-tokenExpirySafetyMargin)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", NewError("paypal", "token_request_failed", "token exchange failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("paypal: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewError("paypal", "token_rejected", fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", NewError("paypal", "token_empty", "token endpoint returned no access token", nil)
	}

	c.mu.Lock()
	c.token = payload.AccessToken
	c.expiresAt = c.clock().Add(time.Duration(payload.ExpiresIn) * time.Second)
	c.mu.Unlock()

	return payload.AccessToken, nil
}

func minorUnitsToDecimal(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

func decimalToMinorUnits(value string) int64 {
	parts := strings.SplitN(strings.TrimSpace(value), ".", 2)
	major, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0
	}
	var cents int64
	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	return major*100 + cents
}
