package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sokoyetu/api/internal/services"
)

type stubWebhookService struct {
	processFn func(context.Context, services.MobileMoneyCallbackResult) (services.WebhookOutcome, error)
}

func (s *stubWebhookService) ProcessMobileMoneyCallback(ctx context.Context, result services.MobileMoneyCallbackResult) (services.WebhookOutcome, error) {
	if s.processFn != nil {
		return s.processFn(ctx, result)
	}
	return services.WebhookOutcome{}, nil
}

var _ services.WebhookService = (*stubWebhookService)(nil)

const successCallbackBody = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_123456789",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 6000.00},
					{"Name": "MpesaReceiptNumber", "Value": "SAM12345"},
					{"Name": "TransactionDate", "Value": 20250601121530},
					{"Name": "PhoneNumber", "Value": 254700000001}
				]
			}
		}
	}
}`

func newWebhookTestRouter(service services.WebhookService, opts ...WebhookOption) chi.Router {
	handler := NewWebhookHandlers(service, opts...)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func TestWebhookHandlersMobileMoneySuccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 15, 30, 0, time.UTC)
	var captured services.MobileMoneyCallbackResult
	service := &stubWebhookService{
		processFn: func(ctx context.Context, result services.MobileMoneyCallbackResult) (services.WebhookOutcome, error) {
			captured = result
			return services.WebhookOutcome{
				OrderID:       "ord_123",
				Matched:       true,
				Applied:       true,
				PaymentStatus: "paid",
			}, nil
		},
	}

	router := newWebhookTestRouter(service, WithWebhookClock(func() time.Time { return now }))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", bytes.NewBufferString(successCallbackBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.CheckoutRequestID != "ws_CO_123456789" {
		t.Fatalf("expected checkout request id, got %q", captured.CheckoutRequestID)
	}
	if captured.ResultCode != 0 || captured.Amount != 6000 {
		t.Fatalf("unexpected callback result %#v", captured)
	}
	if captured.ReceiptNumber != "SAM12345" {
		t.Fatalf("expected receipt number, got %q", captured.ReceiptNumber)
	}
	if !captured.ReceivedAt.Equal(now) {
		t.Fatalf("expected receipt stamp %s, got %s", now, captured.ReceivedAt)
	}

	var resp struct {
		Received bool   `json:"received"`
		OrderID  string `json:"order_id"`
		Applied  bool   `json:"applied"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Received || !resp.Applied || resp.OrderID != "ord_123" {
		t.Fatalf("unexpected acknowledgement %#v", resp)
	}
}

func TestWebhookHandlersMobileMoneyAcknowledgesUnmatchedCallback(t *testing.T) {
	service := &stubWebhookService{
		processFn: func(ctx context.Context, result services.MobileMoneyCallbackResult) (services.WebhookOutcome, error) {
			return services.WebhookOutcome{Matched: false}, errors.New("no order for checkout request")
		},
	}

	var loggedEvent string
	router := newWebhookTestRouter(service, WithWebhookErrorLogger(func(ctx context.Context, event string, err error) {
		loggedEvent = event
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", bytes.NewBufferString(successCallbackBody))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 despite reconcile failure, got %d", rr.Code)
	}
	if loggedEvent != "webhook.mpesa.reconcile_failed" {
		t.Fatalf("expected failure to be logged, got %q", loggedEvent)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["received"] != true {
		t.Fatalf("expected received acknowledgement, got %v", resp)
	}
}

func TestWebhookHandlersMobileMoneyRejectsMalformedPayload(t *testing.T) {
	router := newWebhookTestRouter(&stubWebhookService{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", bytes.NewBufferString(`{"Body": {}}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookHandlersMobileMoneyRateLimited(t *testing.T) {
	service := &stubWebhookService{
		processFn: func(context.Context, services.MobileMoneyCallbackResult) (services.WebhookOutcome, error) {
			return services.WebhookOutcome{Matched: true, Applied: true}, nil
		},
	}

	limiter := newSourceRateLimiter(1, time.Minute, nil)
	router := newWebhookTestRouter(service, WithWebhookRateLimiter(limiter))

	first := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", bytes.NewBufferString(successCallbackBody))
	first.RemoteAddr = "10.0.0.1:5000"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", bytes.NewBufferString(successCallbackBody))
	second.RemoteAddr = "10.0.0.1:5001"
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, second)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
}
