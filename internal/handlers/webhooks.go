package handlers

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sokoyetu/api/internal/payments"
	"github.com/sokoyetu/api/internal/platform/httpx"
	"github.com/sokoyetu/api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// WebhookHandlers receives asynchronous provider callbacks. Provider gateways
// retry on non-2xx responses, so recognised payloads are always acknowledged
// even when reconciliation fails; the failure is logged and retried through
// the provider's own redelivery.
type WebhookHandlers struct {
	webhooks services.WebhookService
	limiter  rateLimiter
	clock    func() time.Time
	logError func(ctx context.Context, event string, err error)
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookRateLimiter throttles callback bursts per source address.
func WithWebhookRateLimiter(limiter rateLimiter) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limiter = limiter
	}
}

// WithWebhookRateLimit throttles callbacks to the given number of requests per
// window per source address. Non-positive values disable throttling.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *WebhookHandlers) {
		if limiter := newSourceRateLimiter(limit, window, nil); limiter != nil {
			h.limiter = limiter
		}
	}
}

// WithWebhookClock overrides the time source used for callback receipt stamps.
func WithWebhookClock(clock func() time.Time) WebhookOption {
	return func(h *WebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithWebhookErrorLogger records reconciliation failures that are hidden from
// the provider behind the 200 acknowledgement.
func WithWebhookErrorLogger(logError func(ctx context.Context, event string, err error)) WebhookOption {
	return func(h *WebhookHandlers) {
		h.logError = logError
	}
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(webhooks services.WebhookService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		webhooks: webhooks,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/mpesa", h.mobileMoneyCallback)
}

func (h *WebhookHandlers) mobileMoneyCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_service_unavailable", "webhook service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientAddress(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	callback, err := payments.ParseSTKCallback(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unrecognised callback payload", http.StatusBadRequest))
		return
	}

	outcome, err := h.webhooks.ProcessMobileMoneyCallback(ctx, services.MobileMoneyCallbackResult{
		MerchantRequestID: callback.MerchantRequestID,
		CheckoutRequestID: callback.CheckoutRequestID,
		ResultCode:        callback.ResultCode,
		ResultDesc:        callback.ResultDesc,
		Amount:            callback.Amount,
		ReceiptNumber:     callback.ReceiptNumber,
		TransactionDate:   callback.TransactionDate,
		PhoneNumber:       callback.PhoneNumber,
		ReceivedAt:        h.clock(),
	})
	if err != nil && h.logError != nil {
		h.logError(ctx, "webhook.mpesa.reconcile_failed", err)
	}

	writeJSONResponse(w, http.StatusOK, struct {
		Received bool   `json:"received"`
		OrderID  string `json:"order_id,omitempty"`
		Applied  bool   `json:"applied"`
	}{
		Received: true,
		OrderID:  outcome.OrderID,
		Applied:  outcome.Applied,
	})
}

func clientAddress(r *http.Request) string {
	if r == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
