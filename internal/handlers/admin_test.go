package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/sokoyetu/api/internal/domain"
	"github.com/sokoyetu/api/internal/platform/auth"
	"github.com/sokoyetu/api/internal/services"
)

func newAdminTestRouter(orders services.OrderService, payments services.PaymentService) chi.Router {
	handler := NewAdminOrderHandlers(nil, orders, payments)
	router := chi.NewRouter()
	router.Route("/admin/orders", handler.Routes)
	return router
}

func TestAdminOrderHandlersTransitionSuccess(t *testing.T) {
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	var captured services.OrderStatusTransitionCommand
	orders := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusShipped
			return order, nil
		},
	}

	router := newAdminTestRouter(orders, &stubPaymentService{})
	body := `{"status": "shipped", "reason": "dispatched via courier", "expected_status": "processing"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:transition", bytes.NewBufferString(body)), "staff-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.TargetStatus != domain.OrderStatusShipped {
		t.Fatalf("unexpected transition command %#v", captured)
	}
	if captured.ActorID != "staff-1" {
		t.Fatalf("expected actor staff-1, got %q", captured.ActorID)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusProcessing {
		t.Fatalf("expected precondition processing, got %#v", captured.ExpectedStatus)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Status != string(domain.OrderStatusShipped) {
		t.Fatalf("expected shipped order, got %s", resp.Order.Status)
	}
}

func TestAdminOrderHandlersTransitionRequiresStatus(t *testing.T) {
	router := newAdminTestRouter(&stubOrderService{}, &stubPaymentService{})
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:transition", bytes.NewBufferString(`{"reason": "x"}`)), "staff-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersTransitionInvalidState(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: cancelled orders cannot ship", services.ErrOrderInvalidState)
		},
	}

	router := newAdminTestRouter(orders, &stubPaymentService{})
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:transition", bytes.NewBufferString(`{"status": "shipped"}`)), "staff-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersRefundSuccess(t *testing.T) {
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	var captured services.RefundPaymentCommand
	payments := &stubPaymentService{
		refundFn: func(ctx context.Context, cmd services.RefundPaymentCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusRefunded
			order.Payment.Status = domain.PaymentStatusRefunded
			return order, nil
		},
	}

	router := newAdminTestRouter(&stubOrderService{}, payments)
	body := `{"amount": 6000, "reason": "damaged goods"}`
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123/payments/refund", bytes.NewBufferString(body)), "staff-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.Reason != "damaged goods" {
		t.Fatalf("unexpected refund command %#v", captured)
	}
	if captured.Amount == nil || *captured.Amount != 6000 {
		t.Fatalf("expected amount 6000, got %#v", captured.Amount)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.Payment.Status != string(domain.PaymentStatusRefunded) {
		t.Fatalf("expected refunded payment, got %s", resp.Order.Payment.Status)
	}
}

func TestAdminOrderHandlersRefundDefaultsToFullAmount(t *testing.T) {
	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	var captured services.RefundPaymentCommand
	payments := &stubPaymentService{
		refundFn: func(ctx context.Context, cmd services.RefundPaymentCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}

	router := newAdminTestRouter(&stubOrderService{}, payments)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123/payments/refund", nil), "staff-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Amount != nil {
		t.Fatalf("expected nil amount for full refund, got %#v", captured.Amount)
	}
}
