package services

import (
	"context"
	"testing"
	"time"

	domain "github.com/sokoyetu/api/internal/domain"
)

func newWebhookFixture(t *testing.T, order domain.Order) (*memOrderRepo, WebhookService, *[]string) {
	t.Helper()
	repo := &memOrderRepo{order: order}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:   repo,
		Counters: &stubCounterRepo{next: 41},
		Clock:    fixedClock(time.Date(2025, 6, 1, 12, 16, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	var events []string
	svc, err := NewWebhookService(WebhookServiceDeps{
		Orders: orders,
		Clock:  fixedClock(time.Date(2025, 6, 1, 12, 16, 0, 0, time.UTC)),
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("NewWebhookService: %v", err)
	}
	return repo, svc, &events
}

func pushOrderAwaitingCallback() domain.Order {
	order := storedOrder(domain.OrderStatusPending, domain.PaymentStatusPending)
	order.Payment.Method = domain.PaymentMethodPushPayment
	order.Payment.Provider = domain.PaymentProviderMobileMoney
	order.Payment.MobileMoney = &domain.MobileMoneyDetails{
		CheckoutRequestID: "ws_CO_123456789",
		MerchantRequestID: "29115-34620561-1",
		Phone:             "254700000001",
		Amount:            60,
	}
	return order
}

func TestWebhookServiceSettlesPushPayment(t *testing.T) {
	repo, svc, _ := newWebhookFixture(t, pushOrderAwaitingCallback())

	outcome, err := svc.ProcessMobileMoneyCallback(context.Background(), MobileMoneyCallbackResult{
		CheckoutRequestID: "ws_CO_123456789",
		MerchantRequestID: "29115-34620561-1",
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		Amount:            6000,
		ReceiptNumber:     "SAM12345",
		TransactionDate:   "20250601121530",
		PhoneNumber:       "254700000001",
	})
	if err != nil {
		t.Fatalf("ProcessMobileMoneyCallback: %v", err)
	}

	if !outcome.Matched || !outcome.Applied {
		t.Fatalf("expected applied outcome, got %#v", outcome)
	}
	if outcome.OrderID != "ord_123" || outcome.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected outcome %#v", outcome)
	}

	stored := repo.order
	if stored.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid payment, got %s", stored.Payment.Status)
	}
	if stored.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected order moved to processing, got %s", stored.Status)
	}
	mm := stored.Payment.MobileMoney
	if mm == nil || mm.ReceiptNumber != "SAM12345" || mm.CheckoutRequestID != "ws_CO_123456789" {
		t.Fatalf("expected settlement merged over prompt details, got %#v", mm)
	}
	if mm.ResultCode == nil || *mm.ResultCode != 0 {
		t.Fatalf("expected result code recorded, got %#v", mm.ResultCode)
	}
}

func TestWebhookServiceRecordsFailedCallback(t *testing.T) {
	repo, svc, _ := newWebhookFixture(t, pushOrderAwaitingCallback())

	outcome, err := svc.ProcessMobileMoneyCallback(context.Background(), MobileMoneyCallbackResult{
		CheckoutRequestID: "ws_CO_123456789",
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	})
	if err != nil {
		t.Fatalf("ProcessMobileMoneyCallback: %v", err)
	}

	if !outcome.Applied || outcome.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("unexpected outcome %#v", outcome)
	}

	stored := repo.order
	if stored.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", stored.Payment.Status)
	}
	if stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", stored.Status)
	}
	if stored.Payment.MobileMoney.ResultDesc != "Request cancelled by user" {
		t.Fatalf("expected result description merged, got %q", stored.Payment.MobileMoney.ResultDesc)
	}
}

func TestWebhookServiceIgnoresUnmatchedCallback(t *testing.T) {
	_, svc, events := newWebhookFixture(t, pushOrderAwaitingCallback())

	outcome, err := svc.ProcessMobileMoneyCallback(context.Background(), MobileMoneyCallbackResult{
		CheckoutRequestID: "ws_CO_unknown",
		ResultCode:        0,
	})
	if err != nil {
		t.Fatalf("expected unmatched callback to be absorbed, got %v", err)
	}
	if outcome.Matched {
		t.Fatalf("expected unmatched outcome, got %#v", outcome)
	}
	if len(*events) == 0 || (*events)[0] != "webhook.mpesa.unmatched" {
		t.Fatalf("expected unmatched log event, got %v", *events)
	}
}

func TestWebhookServiceAcknowledgesStaleCallback(t *testing.T) {
	order := pushOrderAwaitingCallback()
	order.Status = domain.OrderStatusProcessing
	order.Payment.Status = domain.PaymentStatusPaid
	repo, svc, events := newWebhookFixture(t, order)

	// A late cancellation racing an already-settled payment must not unsettle it.
	outcome, err := svc.ProcessMobileMoneyCallback(context.Background(), MobileMoneyCallbackResult{
		CheckoutRequestID: "ws_CO_123456789",
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	})
	if err != nil {
		t.Fatalf("expected stale callback to be acknowledged, got %v", err)
	}

	if outcome.Applied {
		t.Fatalf("expected no-op outcome, got %#v", outcome)
	}
	if outcome.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected payment left paid, got %s", outcome.PaymentStatus)
	}
	if repo.order.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected stored payment untouched, got %s", repo.order.Payment.Status)
	}
	if len(*events) == 0 || (*events)[0] != "webhook.mpesa.stale" {
		t.Fatalf("expected stale log event, got %v", *events)
	}
}

func TestWebhookServiceDuplicateSettlementIsNoOp(t *testing.T) {
	order := pushOrderAwaitingCallback()
	order.Status = domain.OrderStatusProcessing
	order.Payment.Status = domain.PaymentStatusPaid
	order.Payment.MobileMoney.ReceiptNumber = "SAM12345"
	_, svc, _ := newWebhookFixture(t, order)

	outcome, err := svc.ProcessMobileMoneyCallback(context.Background(), MobileMoneyCallbackResult{
		CheckoutRequestID: "ws_CO_123456789",
		ResultCode:        0,
		Amount:            6000,
		ReceiptNumber:     "SAM12345",
	})
	if err != nil {
		t.Fatalf("ProcessMobileMoneyCallback: %v", err)
	}
	if outcome.Applied {
		t.Fatalf("expected duplicate delivery to apply nothing, got %#v", outcome)
	}
	if outcome.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected payment reported paid, got %s", outcome.PaymentStatus)
	}
}
