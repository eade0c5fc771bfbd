package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/sokoyetu/api/internal/domain"
	"github.com/sokoyetu/api/internal/platform/auth"
	"github.com/sokoyetu/api/internal/platform/httpx"
	"github.com/sokoyetu/api/internal/platform/pagination"
	"github.com/sokoyetu/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
	maxCancelBodySize    = 4 * 1024
)

var validPaymentMethods = map[domain.PaymentMethod]struct{}{
	domain.PaymentMethodCard:           {},
	domain.PaymentMethodPushPayment:    {},
	domain.PaymentMethodWalletRedirect: {},
	domain.PaymentMethodCashOnDelivery: {},
	domain.PaymentMethodBankTransfer:   {},
}

// OrderHandlers exposes order lifecycle endpoints for authenticated users.
// Payment endpoints are nested under each order and delegated to
// PaymentHandlers.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments *PaymentHandlers
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments *PaymentHandlers) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	if h.payments != nil {
		r.Route("/{orderID}/payments", h.payments.Routes)
		r.Get("/{orderID}/payment", h.payments.getPayment)
	}
}

type createOrderRequest struct {
	Currency        string                   `json:"currency"`
	PaymentMethod   string                   `json:"payment_method"`
	Items           []createOrderItemPayload `json:"items"`
	ShippingAddress *addressPayload          `json:"shipping_address"`
	Contact         *orderContactPayload     `json:"contact"`
	Shipping        int64                    `json:"shipping"`
	Tax             int64                    `json:"tax"`
	Discount        int64                    `json:"discount"`
	Metadata        map[string]any           `json:"metadata"`
}

type createOrderItemPayload struct {
	ProductRef string `json:"product_ref"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	method := domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if _, ok := validPaymentMethods[method]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment_method must be one of card, push_payment, wallet_redirect, cash_on_delivery, bank_transfer", http.StatusBadRequest))
		return
	}

	items := make([]services.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemInput{
			ProductRef: strings.TrimSpace(item.ProductRef),
			SKU:        strings.TrimSpace(item.SKU),
			Name:       strings.TrimSpace(item.Name),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	cmd := services.CreateOrderCommand{
		UserID:          strings.TrimSpace(identity.UID),
		Currency:        req.Currency,
		Method:          method,
		Items:           items,
		ShippingAddress: req.ShippingAddress.toAddress(),
		Shipping:        req.Shipping,
		Tax:             req.Tax,
		Discount:        req.Discount,
		Metadata:        cloneMap(req.Metadata),
		ActorID:         strings.TrimSpace(identity.UID),
	}
	if req.Contact != nil {
		cmd.Contact = &services.OrderContact{
			Email: strings.TrimSpace(req.Contact.Email),
			Phone: strings.TrimSpace(req.Contact.Phone),
		}
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders)
	if !ok {
		return
	}

	query := r.URL.Query()
	statusFilters := parseFilterValues(query["status"])

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageParams, err := pagination.FromQuery(query, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		UserID:    strings.TrimSpace(identity.UID),
		Status:    statusFilters,
		DateRange: dateRange,
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

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders)
	if !ok {
		return
	}

	order, ok := fetchOwnedOrder(ctx, w, h.orders, identity, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type cancelOrderRequest struct {
	Reason         string         `json:"reason"`
	ExpectedStatus string         `json:"expected_status"`
	Metadata       map[string]any `json:"metadata"`
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w, h.orders)
	if !ok {
		return
	}

	order, ok := fetchOwnedOrder(ctx, w, h.orders, identity, chi.URLParam(r, "orderID"))
	if !ok {
		return
	}

	var req cancelOrderRequest
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

	cmd := services.CancelOrderCommand{
		OrderID:  order.ID,
		ActorID:  strings.TrimSpace(identity.UID),
		Reason:   strings.TrimSpace(req.Reason),
		Metadata: cloneMap(req.Metadata),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected := services.OrderStatus(strings.ToLower(raw))
		cmd.ExpectedStatus = &expected
	}

	cancelled, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

// requireIdentity resolves the authenticated identity and reports service
// availability failures in one place.
func requireIdentity(ctx context.Context, w http.ResponseWriter, orders services.OrderService) (*auth.Identity, bool) {
	if orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// fetchOwnedOrder loads the order and hides other users' orders behind a 404.
// Admins may read any order.
func fetchOwnedOrder(ctx context.Context, w http.ResponseWriter, orders services.OrderService, identity *auth.Identity, rawID string) (services.Order, bool) {
	orderID := strings.TrimSpace(rawID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Order{}, false
	}

	order, err := orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return services.Order{}, false
	}

	if !identity.HasRole(auth.RoleAdmin) && !strings.EqualFold(strings.TrimSpace(order.UserID), strings.TrimSpace(identity.UID)) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Currency      string `json:"currency"`
	Total         int64  `json:"total"`
	CreatedAt     string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	UserID          string                `json:"user_id"`
	Status          string                `json:"status"`
	Currency        string                `json:"currency"`
	Totals          orderTotalsPayload    `json:"totals"`
	Items           []orderItemPayload    `json:"items"`
	ShippingAddress *addressPayload       `json:"shipping_address,omitempty"`
	Contact         *orderContactPayload  `json:"contact,omitempty"`
	Payment         paymentPayload        `json:"payment"`
	StatusHistory   []statusHistoryEntry  `json:"status_history,omitempty"`
	Notes           []orderNotePayload    `json:"notes,omitempty"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
	CancelledAt     string                `json:"cancelled_at,omitempty"`
	CancelReason    *string               `json:"cancel_reason,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	ProductRef string         `json:"product_ref"`
	SKU        string         `json:"sku"`
	Name       string         `json:"name,omitempty"`
	Quantity   int            `json:"quantity"`
	UnitPrice  int64          `json:"unit_price"`
	Total      int64          `json:"total"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type orderContactPayload struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type statusHistoryEntry struct {
	Status    string         `json:"status"`
	ChangedAt string         `json:"changed_at"`
	ChangedBy string         `json:"changed_by,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type orderNotePayload struct {
	Content   string `json:"content"`
	Author    string `json:"author,omitempty"`
	CreatedAt string `json:"created_at"`
}

type paymentPayload struct {
	Method      string                     `json:"method"`
	Provider    string                     `json:"provider"`
	Status      string                     `json:"status"`
	Card        *cardDetailsPayload        `json:"card,omitempty"`
	MobileMoney *mobileMoneyDetailsPayload `json:"mobile_money,omitempty"`
	Wallet      *walletDetailsPayload      `json:"wallet,omitempty"`
	Manual      *manualDetailsPayload      `json:"manual,omitempty"`
	InitiatedAt string                     `json:"initiated_at,omitempty"`
	ProcessedAt string                     `json:"processed_at,omitempty"`
	CompletedAt string                     `json:"completed_at,omitempty"`
	FailedAt    string                     `json:"failed_at,omitempty"`
	RefundedAt  string                     `json:"refunded_at,omitempty"`
}

type cardDetailsPayload struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Last4         string `json:"last4,omitempty"`
	Brand         string `json:"brand,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

type mobileMoneyDetailsPayload struct {
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Amount            int64  `json:"amount,omitempty"`
	ReceiptNumber     string `json:"receipt_number,omitempty"`
	TransactionDate   string `json:"transaction_date,omitempty"`
	ResultCode        *int   `json:"result_code,omitempty"`
	ResultDesc        string `json:"result_desc,omitempty"`
}

type walletDetailsPayload struct {
	ProviderOrderID string `json:"provider_order_id,omitempty"`
	ProviderStatus  string `json:"provider_status,omitempty"`
	ApproveURL      string `json:"approve_url,omitempty"`
	CaptureID       string `json:"capture_id,omitempty"`
	PayerID         string `json:"payer_id,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

type manualDetailsPayload struct {
	Reference string `json:"reference,omitempty"`
	Note      string `json:"note,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            strings.TrimSpace(order.ID),
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		Status:        strings.TrimSpace(string(order.Status)),
		PaymentStatus: strings.TrimSpace(string(order.Payment.Status)),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:         order.Totals.Total,
		CreatedAt:     formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Discount: order.Totals.Discount,
			Total:    order.Totals.Total,
		},
		Items:        make([]orderItemPayload, 0, len(order.Items)),
		Payment:      buildPaymentPayload(order.Payment),
		Metadata:     cloneMap(order.Metadata),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
		CancelReason: cloneStringPointer(order.CancelReason),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef: strings.TrimSpace(item.ProductRef),
			SKU:        strings.TrimSpace(item.SKU),
			Name:       strings.TrimSpace(item.Name),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
			Metadata:   cloneMap(item.Metadata),
		})
	}

	if order.ShippingAddress != nil {
		addr := buildAddressPayload(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}

	if order.Contact != nil {
		payload.Contact = &orderContactPayload{
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		}
	}

	for _, entry := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusHistoryEntry{
			Status:    entry.Status,
			ChangedAt: formatTime(entry.ChangedAt),
			ChangedBy: entry.ChangedBy,
			Comment:   entry.Comment,
			Metadata:  cloneMap(entry.Metadata),
		})
	}

	for _, note := range order.Notes {
		payload.Notes = append(payload.Notes, orderNotePayload{
			Content:   note.Content,
			Author:    note.Author,
			CreatedAt: formatTime(note.CreatedAt),
		})
	}

	return payload
}

func buildPaymentPayload(payment services.Payment) paymentPayload {
	payload := paymentPayload{
		Method:      string(payment.Method),
		Provider:    string(payment.Provider),
		Status:      string(payment.Status),
		InitiatedAt: formatTime(pointerTime(payment.InitiatedAt)),
		ProcessedAt: formatTime(pointerTime(payment.ProcessedAt)),
		CompletedAt: formatTime(pointerTime(payment.CompletedAt)),
		FailedAt:    formatTime(pointerTime(payment.FailedAt)),
		RefundedAt:  formatTime(pointerTime(payment.RefundedAt)),
	}
	if payment.Card != nil {
		payload.Card = &cardDetailsPayload{
			TransactionID: payment.Card.TransactionID,
			Last4:         payment.Card.Last4,
			Brand:         payment.Card.Brand,
			ErrorCode:     payment.Card.ErrorCode,
			ErrorMessage:  payment.Card.ErrorMessage,
		}
	}
	if payment.MobileMoney != nil {
		payload.MobileMoney = &mobileMoneyDetailsPayload{
			CheckoutRequestID: payment.MobileMoney.CheckoutRequestID,
			MerchantRequestID: payment.MobileMoney.MerchantRequestID,
			Phone:             payment.MobileMoney.Phone,
			Amount:            payment.MobileMoney.Amount,
			ReceiptNumber:     payment.MobileMoney.ReceiptNumber,
			TransactionDate:   payment.MobileMoney.TransactionDate,
			ResultCode:        payment.MobileMoney.ResultCode,
			ResultDesc:        payment.MobileMoney.ResultDesc,
		}
	}
	if payment.Wallet != nil {
		payload.Wallet = &walletDetailsPayload{
			ProviderOrderID: payment.Wallet.ProviderOrderID,
			ProviderStatus:  payment.Wallet.ProviderStatus,
			ApproveURL:      payment.Wallet.ApproveURL,
			CaptureID:       payment.Wallet.CaptureID,
			PayerID:         payment.Wallet.PayerID,
			ErrorCode:       payment.Wallet.ErrorCode,
			ErrorMessage:    payment.Wallet.ErrorMessage,
		}
	}
	if payment.Manual != nil {
		payload.Manual = &manualDetailsPayload{
			Reference: payment.Manual.Reference,
			Note:      payment.Manual.Note,
		}
	}
	return payload
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotInitiable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_initiable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentProvider):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_error", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
