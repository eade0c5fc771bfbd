package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sokoyetu/api/internal/platform/httpx"
	"github.com/sokoyetu/api/internal/services"
)

const maxPaymentBodySize = 16 * 1024

// PaymentHandlers exposes the payment endpoints nested under each order.
// Routes are registered by OrderHandlers so they share the same auth and
// ownership checks.
type PaymentHandlers struct {
	orders      services.OrderService
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
}

// PaymentOption customises PaymentHandlers.
type PaymentOption func(*PaymentHandlers)

// WithPaymentIdempotency applies an idempotency middleware to the initiate
// endpoint so retried requests replay the original provider response instead
// of charging twice.
func WithPaymentIdempotency(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.idempotency = mw
	}
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(orders services.OrderService, payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{
		orders:   orders,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders/{orderID}/payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/initiate", h.initiatePayment)
	} else {
		r.Post("/initiate", h.initiatePayment)
	}
	r.Post("/capture", h.captureWalletPayment)
}

type initiatePaymentRequest struct {
	InstrumentRef string `json:"instrument_ref"`
	Phone         string `json:"phone"`
	ReturnURL     string `json:"return_url"`
	CancelURL     string `json:"cancel_url"`
}

type paymentInitiationResponse struct {
	Order             orderPayload `json:"order"`
	ClientSecret      string       `json:"client_secret,omitempty"`
	ApproveURL        string       `json:"approve_url,omitempty"`
	CheckoutRequestID string       `json:"checkout_request_id,omitempty"`
	CustomerMessage   string       `json:"customer_message,omitempty"`
}

func (h *PaymentHandlers) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w, h.orders)
	if !ok {
		return
	}

	order, ok := fetchOwnedOrder(ctx, w, h.orders, identity, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	var req initiatePaymentRequest
	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	initiation, err := h.payments.InitiatePayment(ctx, services.InitiatePaymentCommand{
		OrderID:       order.ID,
		ActorID:       strings.TrimSpace(identity.UID),
		InstrumentRef: strings.TrimSpace(req.InstrumentRef),
		Phone:         strings.TrimSpace(req.Phone),
		ReturnURL:     strings.TrimSpace(req.ReturnURL),
		CancelURL:     strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, paymentInitiationResponse{
		Order:             buildOrderPayload(initiation.Order),
		ClientSecret:      initiation.ClientSecret,
		ApproveURL:        initiation.ApproveURL,
		CheckoutRequestID: initiation.CheckoutRequestID,
		CustomerMessage:   initiation.CustomerMessage,
	})
}

func (h *PaymentHandlers) captureWalletPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w, h.orders)
	if !ok {
		return
	}

	order, ok := fetchOwnedOrder(ctx, w, h.orders, identity, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	captured, err := h.payments.CaptureWalletPayment(ctx, services.CaptureWalletPaymentCommand{
		OrderID: order.ID,
		ActorID: strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(captured)})
}

// getPayment returns the payment block of an order. Registered by
// OrderHandlers at GET /orders/{orderID}/payment.
func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders)
	if !ok {
		return
	}

	order, ok := fetchOwnedOrder(ctx, w, h.orders, identity, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	writeJSONResponse(w, http.StatusOK, struct {
		OrderID string         `json:"order_id"`
		Payment paymentPayload `json:"payment"`
	}{
		OrderID: order.ID,
		Payment: buildPaymentPayload(order.Payment),
	})
}
