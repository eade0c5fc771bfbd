package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sokoyetu/api/internal/platform/auth"
	"github.com/sokoyetu/api/internal/platform/httpx"
	"github.com/sokoyetu/api/internal/platform/pagination"
	"github.com/sokoyetu/api/internal/services"
)

// AdminOrderHandlers exposes staff-only order management endpoints:
// fulfilment transitions, arbitrary user order listings, and refunds.
type AdminOrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewAdminOrderHandlers constructs a new AdminOrderHandlers instance.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}/payments/refund", h.refundPayment)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pageParams, err := pagination.FromQuery(query, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		UserID: strings.TrimSpace(query.Get("user_id")),
		Status: parseFilterValues(query["status"]),
		Pagination: services.Pagination{
			PageSize:  pageParams.PageSize,
			PageToken: pageParams.PageToken,
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type transitionOrderRequest struct {
	Status         string         `json:"status"`
	Reason         string         `json:"reason"`
	ExpectedStatus string         `json:"expected_status"`
	Metadata       map[string]any `json:"metadata"`
}

func (h *AdminOrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	body, err := readLimitedBody(r, maxCancelBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req transitionOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      strings.TrimSpace(chi.URLParam(r, "orderID")),
		TargetStatus: services.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Reason:       strings.TrimSpace(req.Reason),
		Metadata:     cloneMap(req.Metadata),
	}
	if identity != nil {
		cmd.ActorID = strings.TrimSpace(identity.UID)
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected := services.OrderStatus(strings.ToLower(raw))
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type refundPaymentRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

func (h *AdminOrderHandlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	var req refundPaymentRequest
	body, err := readLimitedBody(r, maxCancelBodySize)
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

	cmd := services.RefundPaymentCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Amount:  req.Amount,
		Reason:  strings.TrimSpace(req.Reason),
	}
	if identity != nil {
		cmd.ActorID = strings.TrimSpace(identity.UID)
	}

	order, err := h.payments.RefundPayment(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}
