package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/sokoyetu/api/internal/domain"
	"github.com/sokoyetu/api/internal/payments"
	"github.com/sokoyetu/api/internal/repositories"
)

// memOrderRepo keeps a single order in memory so payment flows run against the
// real order service state machine.
type memOrderRepo struct {
	order     domain.Order
	updateErr func(domain.Order) error
}

func (m *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	m.order = order
	return nil
}

func (m *memOrderRepo) Update(_ context.Context, order domain.Order) error {
	if m.updateErr != nil {
		if err := m.updateErr(order); err != nil {
			return err
		}
	}
	order.Version = m.order.Version + 1
	m.order = order
	return nil
}

func (m *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	if m.order.ID != orderID {
		return domain.Order{}, &stubRepoError{notFound: true}
	}
	return m.order, nil
}

func (m *memOrderRepo) FindByCheckoutRequestID(_ context.Context, checkoutRequestID string) (domain.Order, error) {
	if m.order.Payment.MobileMoney != nil && m.order.Payment.MobileMoney.CheckoutRequestID == checkoutRequestID {
		return m.order, nil
	}
	return domain.Order{}, &stubRepoError{notFound: true}
}

func (m *memOrderRepo) List(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return domain.CursorPage[domain.Order]{Items: []domain.Order{m.order}}, nil
}

type stubCardClient struct {
	chargeFn func(context.Context, payments.CardChargeRequest) (payments.CardChargeResult, error)
	lookupFn func(context.Context, string) (payments.CardChargeResult, error)
	refundFn func(context.Context, payments.CardRefundRequest) (payments.CardChargeResult, error)
}

func (s *stubCardClient) Charge(ctx context.Context, req payments.CardChargeRequest) (payments.CardChargeResult, error) {
	if s.chargeFn != nil {
		return s.chargeFn(ctx, req)
	}
	return payments.CardChargeResult{}, errors.New("not implemented")
}

func (s *stubCardClient) LookupPayment(ctx context.Context, transactionID string) (payments.CardChargeResult, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, transactionID)
	}
	return payments.CardChargeResult{}, errors.New("not implemented")
}

func (s *stubCardClient) Refund(ctx context.Context, req payments.CardRefundRequest) (payments.CardChargeResult, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return payments.CardChargeResult{}, errors.New("not implemented")
}

type stubMobileMoneyClient struct {
	pushFn  func(context.Context, payments.STKPushRequest) (payments.STKPushResult, error)
	queryFn func(context.Context, string) (payments.STKQueryResult, error)
}

func (s *stubMobileMoneyClient) InitiateSTKPush(ctx context.Context, req payments.STKPushRequest) (payments.STKPushResult, error) {
	if s.pushFn != nil {
		return s.pushFn(ctx, req)
	}
	return payments.STKPushResult{}, errors.New("not implemented")
}

func (s *stubMobileMoneyClient) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (payments.STKQueryResult, error) {
	if s.queryFn != nil {
		return s.queryFn(ctx, checkoutRequestID)
	}
	return payments.STKQueryResult{}, errors.New("not implemented")
}

type stubWalletClient struct {
	createFn  func(context.Context, payments.WalletOrderRequest) (payments.WalletOrderResult, error)
	captureFn func(context.Context, string) (payments.WalletCaptureResult, error)
	refundFn  func(context.Context, payments.WalletRefundRequest) (payments.WalletCaptureResult, error)
}

func (s *stubWalletClient) CreateOrder(ctx context.Context, req payments.WalletOrderRequest) (payments.WalletOrderResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return payments.WalletOrderResult{}, errors.New("not implemented")
}

func (s *stubWalletClient) CaptureOrder(ctx context.Context, providerOrderID string) (payments.WalletCaptureResult, error) {
	if s.captureFn != nil {
		return s.captureFn(ctx, providerOrderID)
	}
	return payments.WalletCaptureResult{}, errors.New("not implemented")
}

func (s *stubWalletClient) Refund(ctx context.Context, req payments.WalletRefundRequest) (payments.WalletCaptureResult, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return payments.WalletCaptureResult{}, errors.New("not implemented")
}

type paymentFixture struct {
	repo     *memOrderRepo
	orders   OrderService
	payments PaymentService
}

func newPaymentFixture(t *testing.T, order domain.Order, deps PaymentServiceDeps) *paymentFixture {
	t.Helper()
	repo := &memOrderRepo{order: order}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders:   repo,
		Counters: &stubCounterRepo{next: 41},
		Clock:    fixedClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	deps.Orders = orders
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	}
	svc, err := NewPaymentService(deps)
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return &paymentFixture{repo: repo, orders: orders, payments: svc}
}

func orderWithMethod(method domain.PaymentMethod) domain.Order {
	order := storedOrder(domain.OrderStatusPending, domain.PaymentStatusPending)
	order.Payment.Method = method
	order.Payment.Provider = domain.ProviderForMethod(method)
	return order
}

func TestPaymentServiceCardChargeSucceeds(t *testing.T) {
	var chargeReq payments.CardChargeRequest
	cards := &stubCardClient{
		chargeFn: func(_ context.Context, req payments.CardChargeRequest) (payments.CardChargeResult, error) {
			chargeReq = req
			return payments.CardChargeResult{
				TransactionID: "pi_123",
				Status:        payments.StatusSucceeded,
				Last4:         "4242",
				Brand:         "visa",
			}, nil
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodCard), PaymentServiceDeps{Cards: cards})

	initiation, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID:       "ord_123",
		ActorID:       "user-1",
		InstrumentRef: "tok_visa",
	})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}

	if chargeReq.Amount != 6000 || chargeReq.Currency != "KES" {
		t.Fatalf("unexpected charge request %#v", chargeReq)
	}
	if chargeReq.IdempotencyKey != "ord_123" {
		t.Fatalf("expected order id as idempotency key, got %q", chargeReq.IdempotencyKey)
	}

	order := initiation.Order
	if order.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid payment, got %s", order.Payment.Status)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing order, got %s", order.Status)
	}
	if order.Payment.Card == nil || order.Payment.Card.TransactionID != "pi_123" || order.Payment.Card.Last4 != "4242" {
		t.Fatalf("expected card details stored, got %#v", order.Payment.Card)
	}
}

func TestPaymentServiceCardChargeDeclined(t *testing.T) {
	cards := &stubCardClient{
		chargeFn: func(context.Context, payments.CardChargeRequest) (payments.CardChargeResult, error) {
			return payments.CardChargeResult{}, payments.NewError("stripe", "card_declined", "insufficient funds", nil)
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodCard), PaymentServiceDeps{Cards: cards})

	_, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID:       "ord_123",
		InstrumentRef: "tok_visa",
	})
	if !errors.Is(err, ErrPaymentProvider) {
		t.Fatalf("expected ErrPaymentProvider, got %v", err)
	}

	stored := fx.repo.order
	if stored.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", stored.Payment.Status)
	}
	if stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", stored.Status)
	}
	if stored.Payment.Card == nil || stored.Payment.Card.ErrorCode != "card_declined" {
		t.Fatalf("expected declined code, got %#v", stored.Payment.Card)
	}
}

func TestPaymentServiceCardChargeTimeoutRecordsUnconfirmed(t *testing.T) {
	cards := &stubCardClient{
		chargeFn: func(context.Context, payments.CardChargeRequest) (payments.CardChargeResult, error) {
			return payments.CardChargeResult{}, context.DeadlineExceeded
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodCard), PaymentServiceDeps{Cards: cards})

	_, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID:       "ord_123",
		InstrumentRef: "tok_visa",
	})
	if !errors.Is(err, ErrPaymentProvider) {
		t.Fatalf("expected ErrPaymentProvider, got %v", err)
	}

	stored := fx.repo.order
	if stored.Payment.Card == nil || stored.Payment.Card.ErrorCode != "provider_unconfirmed" {
		t.Fatalf("expected provider_unconfirmed, got %#v", stored.Payment.Card)
	}
	if len(stored.Notes) == 0 {
		t.Fatalf("expected reconciliation note on the order")
	}
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("expected order to stay open for reconciliation, got %q", stored.Status)
	}
}

func TestPaymentServiceCardChargeRecordsNoteWhenPaidWriteFails(t *testing.T) {
	cards := &stubCardClient{
		chargeFn: func(context.Context, payments.CardChargeRequest) (payments.CardChargeResult, error) {
			return payments.CardChargeResult{Status: payments.StatusSucceeded, TransactionID: "pi_123"}, nil
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodCard), PaymentServiceDeps{Cards: cards})
	fx.repo.updateErr = func(order domain.Order) error {
		if order.Payment.Status == domain.PaymentStatusPaid {
			return &stubRepoError{unavailable: true}
		}
		return nil
	}

	_, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID:       "ord_123",
		InstrumentRef: "tok_visa",
	})
	if err == nil {
		t.Fatalf("expected error when the paid write fails")
	}

	stored := fx.repo.order
	if stored.Payment.Status == domain.PaymentStatusFailed {
		t.Fatalf("captured charge must not be recorded as failed")
	}
	var noted bool
	for _, note := range stored.Notes {
		if strings.Contains(note.Content, "pi_123") {
			noted = true
		}
	}
	if !noted {
		t.Fatalf("expected reconciliation note naming the transaction, got %#v", stored.Notes)
	}
}

func TestPaymentServicePushPaymentStaysPending(t *testing.T) {
	var pushReq payments.STKPushRequest
	mobile := &stubMobileMoneyClient{
		pushFn: func(_ context.Context, req payments.STKPushRequest) (payments.STKPushResult, error) {
			pushReq = req
			return payments.STKPushResult{
				MerchantRequestID: "29115-34620561-1",
				CheckoutRequestID: "ws_CO_123456789",
				CustomerMessage:   "Success. Request accepted for processing",
			}, nil
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodPushPayment), PaymentServiceDeps{MobileMoney: mobile})

	initiation, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID: "ord_123",
		Phone:   "254700000001",
	})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}

	// 6000 minor units round up to 60 whole units.
	if pushReq.Amount != 60 {
		t.Fatalf("expected amount 60, got %d", pushReq.Amount)
	}
	if pushReq.AccountReference != "SY-2025-000042-AB3F" {
		t.Fatalf("expected order number reference, got %q", pushReq.AccountReference)
	}

	if initiation.CheckoutRequestID != "ws_CO_123456789" {
		t.Fatalf("expected checkout request id, got %q", initiation.CheckoutRequestID)
	}
	order := initiation.Order
	if order.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment awaiting callback, got %s", order.Payment.Status)
	}
	if order.Payment.MobileMoney == nil || order.Payment.MobileMoney.CheckoutRequestID != "ws_CO_123456789" {
		t.Fatalf("expected checkout id stored, got %#v", order.Payment.MobileMoney)
	}
}

func TestPaymentServicePushPaymentSimulatedSettlement(t *testing.T) {
	mobile := &stubMobileMoneyClient{
		pushFn: func(context.Context, payments.STKPushRequest) (payments.STKPushResult, error) {
			return payments.STKPushResult{CheckoutRequestID: "ws_CO_123456789"}, nil
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodPushPayment), PaymentServiceDeps{
		MobileMoney:       mobile,
		SimulateProviders: true,
	})

	initiation, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID: "ord_123",
		Phone:   "254700000001",
	})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}

	order := initiation.Order
	if order.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected simulated settlement, got %s", order.Payment.Status)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing order, got %s", order.Status)
	}
	if order.Payment.MobileMoney == nil || order.Payment.MobileMoney.ReceiptNumber == "" {
		t.Fatalf("expected simulated receipt, got %#v", order.Payment.MobileMoney)
	}
}

func TestPaymentServicePushPaymentInitiationFails(t *testing.T) {
	mobile := &stubMobileMoneyClient{
		pushFn: func(context.Context, payments.STKPushRequest) (payments.STKPushResult, error) {
			return payments.STKPushResult{}, payments.NewError("daraja", "invalid_phone", "invalid subscriber number", nil)
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodPushPayment), PaymentServiceDeps{MobileMoney: mobile})

	_, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID: "ord_123",
		Phone:   "123",
	})
	if !errors.Is(err, ErrPaymentProvider) {
		t.Fatalf("expected ErrPaymentProvider, got %v", err)
	}

	stored := fx.repo.order
	if stored.Payment.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", stored.Payment.Status)
	}
	if stored.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled order, got %s", stored.Status)
	}
}

func TestPaymentServicePushPaymentTimeoutKeepsPending(t *testing.T) {
	mobile := &stubMobileMoneyClient{
		pushFn: func(context.Context, payments.STKPushRequest) (payments.STKPushResult, error) {
			return payments.STKPushResult{}, context.DeadlineExceeded
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodPushPayment), PaymentServiceDeps{MobileMoney: mobile})

	_, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID: "ord_123",
		Phone:   "254700000001",
	})
	if !errors.Is(err, ErrPaymentProvider) {
		t.Fatalf("expected ErrPaymentProvider, got %v", err)
	}

	// The prompt may have reached the handset, so the payment must stay
	// pending for the callback to settle.
	stored := fx.repo.order
	if stored.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", stored.Payment.Status)
	}
	if stored.Status != domain.OrderStatusPending {
		t.Fatalf("expected order left open, got %s", stored.Status)
	}
	if len(stored.Notes) == 0 {
		t.Fatalf("expected timeout note")
	}
}

func TestPaymentServiceWalletInitiateAndCapture(t *testing.T) {
	wallet := &stubWalletClient{
		createFn: func(_ context.Context, req payments.WalletOrderRequest) (payments.WalletOrderResult, error) {
			return payments.WalletOrderResult{
				ProviderOrderID: "PP-ORDER-1",
				Status:          "CREATED",
				ApproveURL:      "https://wallet.example.com/approve/PP-ORDER-1",
			}, nil
		},
		captureFn: func(_ context.Context, providerOrderID string) (payments.WalletCaptureResult, error) {
			if providerOrderID != "PP-ORDER-1" {
				return payments.WalletCaptureResult{}, errors.New("unknown order")
			}
			return payments.WalletCaptureResult{
				ProviderOrderID: providerOrderID,
				CaptureID:       "CAP-1",
				Status:          payments.StatusSucceeded,
				PayerID:         "PAYER-1",
			}, nil
		},
	}
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodWalletRedirect), PaymentServiceDeps{Wallet: wallet})

	initiation, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID:   "ord_123",
		ReturnURL: "https://shop.example.com/return",
		CancelURL: "https://shop.example.com/cancel",
	})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}
	if initiation.ApproveURL == "" {
		t.Fatalf("expected approve URL")
	}
	if initiation.Order.Payment.Wallet == nil || initiation.Order.Payment.Wallet.ProviderOrderID != "PP-ORDER-1" {
		t.Fatalf("expected provider order stored, got %#v", initiation.Order.Payment.Wallet)
	}

	order, err := fx.payments.CaptureWalletPayment(context.Background(), CaptureWalletPaymentCommand{
		OrderID: "ord_123",
		ActorID: "user-1",
	})
	if err != nil {
		t.Fatalf("CaptureWalletPayment: %v", err)
	}
	if order.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid payment, got %s", order.Payment.Status)
	}
	if order.Payment.Wallet.CaptureID != "CAP-1" || order.Payment.Wallet.PayerID != "PAYER-1" {
		t.Fatalf("expected capture details, got %#v", order.Payment.Wallet)
	}
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing order, got %s", order.Status)
	}
}

func TestPaymentServiceCaptureWithoutProviderOrder(t *testing.T) {
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodWalletRedirect), PaymentServiceDeps{Wallet: &stubWalletClient{}})

	_, err := fx.payments.CaptureWalletPayment(context.Background(), CaptureWalletPaymentCommand{OrderID: "ord_123"})
	if !errors.Is(err, ErrPaymentNotInitiable) {
		t.Fatalf("expected ErrPaymentNotInitiable, got %v", err)
	}
}

func TestPaymentServiceInitiateRejectsNonPendingOrder(t *testing.T) {
	order := orderWithMethod(domain.PaymentMethodCard)
	order.Status = domain.OrderStatusCancelled
	fx := newPaymentFixture(t, order, PaymentServiceDeps{Cards: &stubCardClient{}})

	_, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID:       "ord_123",
		InstrumentRef: "tok_visa",
	})
	if !errors.Is(err, ErrPaymentNotInitiable) {
		t.Fatalf("expected ErrPaymentNotInitiable, got %v", err)
	}
}

func TestPaymentServiceInitiateAllowsRetryAfterFailure(t *testing.T) {
	order := orderWithMethod(domain.PaymentMethodCard)
	order.Payment.Status = domain.PaymentStatusFailed
	cards := &stubCardClient{
		chargeFn: func(context.Context, payments.CardChargeRequest) (payments.CardChargeResult, error) {
			return payments.CardChargeResult{TransactionID: "pi_retry", Status: payments.StatusSucceeded}, nil
		},
	}
	fx := newPaymentFixture(t, order, PaymentServiceDeps{Cards: cards})

	initiation, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{
		OrderID:       "ord_123",
		InstrumentRef: "tok_visa",
	})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}
	if initiation.Order.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected retried payment to settle, got %s", initiation.Order.Payment.Status)
	}
}

func TestPaymentServiceManualMethodRecordsReference(t *testing.T) {
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodCashOnDelivery), PaymentServiceDeps{})

	initiation, err := fx.payments.InitiatePayment(context.Background(), InitiatePaymentCommand{OrderID: "ord_123"})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}
	order := initiation.Order
	if order.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending payment, got %s", order.Payment.Status)
	}
	if order.Payment.Manual == nil || order.Payment.Manual.Reference != "SY-2025-000042-AB3F" {
		t.Fatalf("expected manual reference, got %#v", order.Payment.Manual)
	}
	if len(fx.repo.order.Notes) == 0 {
		t.Fatalf("expected offline settlement note")
	}
}

func TestPaymentServiceRefundCardFull(t *testing.T) {
	order := orderWithMethod(domain.PaymentMethodCard)
	order.Status = domain.OrderStatusShipped
	order.Payment.Status = domain.PaymentStatusPaid
	order.Payment.Card = &domain.CardDetails{TransactionID: "pi_123"}

	var refundReq payments.CardRefundRequest
	cards := &stubCardClient{
		refundFn: func(_ context.Context, req payments.CardRefundRequest) (payments.CardChargeResult, error) {
			refundReq = req
			return payments.CardChargeResult{Status: payments.StatusRefunded}, nil
		},
	}
	fx := newPaymentFixture(t, order, PaymentServiceDeps{Cards: cards})

	refunded, err := fx.payments.RefundPayment(context.Background(), RefundPaymentCommand{
		OrderID: "ord_123",
		ActorID: "staff-1",
		Reason:  "damaged goods",
	})
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if refundReq.TransactionID != "pi_123" {
		t.Fatalf("expected refund against recorded transaction, got %q", refundReq.TransactionID)
	}
	if refunded.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment, got %s", refunded.Payment.Status)
	}
	if refunded.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded order, got %s", refunded.Status)
	}
}

func TestPaymentServiceRefundPartialKeepsOrderState(t *testing.T) {
	order := orderWithMethod(domain.PaymentMethodCard)
	order.Status = domain.OrderStatusProcessing
	order.Payment.Status = domain.PaymentStatusPaid
	order.Payment.Card = &domain.CardDetails{TransactionID: "pi_123"}

	cards := &stubCardClient{
		refundFn: func(context.Context, payments.CardRefundRequest) (payments.CardChargeResult, error) {
			return payments.CardChargeResult{Status: payments.StatusRefunded}, nil
		},
	}
	fx := newPaymentFixture(t, order, PaymentServiceDeps{Cards: cards})

	amount := int64(1000)
	refunded, err := fx.payments.RefundPayment(context.Background(), RefundPaymentCommand{
		OrderID: "ord_123",
		Amount:  &amount,
	})
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if refunded.Payment.Status != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected partially refunded, got %s", refunded.Payment.Status)
	}
	if refunded.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected order untouched on partial refund, got %s", refunded.Status)
	}
}

func TestPaymentServiceRefundRejectsUnpaidOrder(t *testing.T) {
	fx := newPaymentFixture(t, orderWithMethod(domain.PaymentMethodCard), PaymentServiceDeps{Cards: &stubCardClient{}})

	_, err := fx.payments.RefundPayment(context.Background(), RefundPaymentCommand{OrderID: "ord_123"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestPaymentServiceRefundManualIsRecordOnly(t *testing.T) {
	order := orderWithMethod(domain.PaymentMethodCashOnDelivery)
	order.Status = domain.OrderStatusDelivered
	order.Payment.Status = domain.PaymentStatusPaid
	fx := newPaymentFixture(t, order, PaymentServiceDeps{})

	refunded, err := fx.payments.RefundPayment(context.Background(), RefundPaymentCommand{
		OrderID: "ord_123",
		Reason:  "returned in store",
	})
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if refunded.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment, got %s", refunded.Payment.Status)
	}
	if refunded.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered order to stay delivered, got %s", refunded.Status)
	}
	if len(fx.repo.order.Notes) == 0 {
		t.Fatalf("expected out-of-band refund note")
	}
}

func TestPaymentServiceRefundAfterDeliveryKeepsOrderDelivered(t *testing.T) {
	order := orderWithMethod(domain.PaymentMethodCard)
	order.Status = domain.OrderStatusDelivered
	order.Payment.Status = domain.PaymentStatusPaid
	order.Payment.Card = &domain.CardDetails{TransactionID: "pi_123"}

	cards := &stubCardClient{
		refundFn: func(context.Context, payments.CardRefundRequest) (payments.CardChargeResult, error) {
			return payments.CardChargeResult{Status: payments.StatusRefunded}, nil
		},
	}
	fx := newPaymentFixture(t, order, PaymentServiceDeps{Cards: cards})

	refunded, err := fx.payments.RefundPayment(context.Background(), RefundPaymentCommand{
		OrderID: "ord_123",
		ActorID: "staff-1",
		Reason:  "warranty return",
	})
	if err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	if refunded.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment, got %s", refunded.Payment.Status)
	}
	if refunded.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered order to stay delivered, got %s", refunded.Status)
	}
}
