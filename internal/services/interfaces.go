package services

import (
	"context"
	"time"

	domain "github.com/sokoyetu/api/internal/domain"
	"github.com/sokoyetu/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	OrderContact       = domain.OrderContact
	OrderNote          = domain.OrderNote
	OrderStatus        = domain.OrderStatus
	Address            = domain.Address
	Payment            = domain.Payment
	PaymentStatus      = domain.PaymentStatus
	PaymentMethod      = domain.PaymentMethod
	PaymentProvider    = domain.PaymentProvider
	CardDetails        = domain.CardDetails
	MobileMoneyDetails = domain.MobileMoneyDetails
	WalletDetails      = domain.WalletDetails
	ManualDetails      = domain.ManualDetails
	StatusHistoryEntry = domain.StatusHistoryEntry
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService encapsulates order lifecycle flows: creation, reads, fulfilment
// transitions, cancellation, and the payment sub-state machine.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error)
	AddSystemNote(ctx context.Context, orderID string, content string) error
}

// PaymentService drives provider interactions and folds their outcomes back
// into the order aggregate through OrderService.
type PaymentService interface {
	InitiatePayment(ctx context.Context, cmd InitiatePaymentCommand) (PaymentInitiation, error)
	CaptureWalletPayment(ctx context.Context, cmd CaptureWalletPaymentCommand) (Order, error)
	RefundPayment(ctx context.Context, cmd RefundPaymentCommand) (Order, error)
}

// WebhookService reconciles asynchronous provider callbacks against orders.
type WebhookService interface {
	ProcessMobileMoneyCallback(ctx context.Context, result MobileMoneyCallbackResult) (WebhookOutcome, error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

// CreateOrderCommand carries validated checkout input into order creation.
type CreateOrderCommand struct {
	UserID          string
	Currency        string
	Method          PaymentMethod
	Items           []OrderItemInput
	ShippingAddress *Address
	Contact         *OrderContact
	Shipping        int64
	Tax             int64
	Discount        int64
	Metadata        map[string]any
	ActorID         string
}

// OrderItemInput snapshots a single line item at checkout time.
type OrderItemInput struct {
	ProductRef string
	SKU        string
	Name       string
	Quantity   int
	UnitPrice  int64
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ActorID        string
	Reason         string
	ExpectedStatus *OrderStatus
	Metadata       map[string]any
}

type CancelOrderCommand struct {
	OrderID        string
	ActorID        string
	Reason         string
	ExpectedStatus *OrderStatus
	Metadata       map[string]any
}

// UpdatePaymentStatusCommand requests a payment sub-state transition. Exactly
// one detail block may be supplied; it is merged field-by-field into the
// stored block. KeepOrderOpen suppresses the automatic order cancellation that
// otherwise accompanies a failed payment.
type UpdatePaymentStatusCommand struct {
	OrderID       string
	Status        PaymentStatus
	Card          *CardDetails
	MobileMoney   *MobileMoneyDetails
	Wallet        *WalletDetails
	Manual        *ManualDetails
	ActorID       string
	Comment       string
	KeepOrderOpen bool
	Metadata      map[string]any
}

// InitiatePaymentCommand starts payment collection for a pending order.
// InstrumentRef identifies a tokenised card for card payments; Phone is the
// subscriber number for push payments.
type InitiatePaymentCommand struct {
	OrderID       string
	ActorID       string
	InstrumentRef string
	Phone         string
	ReturnURL     string
	CancelURL     string
}

// PaymentInitiation reports the continuation the client needs to finish the
// flow: a client secret for cards, an approval URL for wallets, or the
// checkout request id issued for a push prompt.
type PaymentInitiation struct {
	Order             Order
	ClientSecret      string
	ApproveURL        string
	CheckoutRequestID string
	CustomerMessage   string
}

type CaptureWalletPaymentCommand struct {
	OrderID string
	ActorID string
}

type RefundPaymentCommand struct {
	OrderID string
	ActorID string
	Amount  *int64
	Reason  string
}

// MobileMoneyCallbackResult is the normalised form of a push-payment callback.
type MobileMoneyCallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            int64
	ReceiptNumber     string
	TransactionDate   string
	PhoneNumber       string
	ReceivedAt        time.Time
}

// WebhookOutcome summarises how a callback was applied.
type WebhookOutcome struct {
	OrderID       string
	Matched       bool
	Applied       bool
	PaymentStatus PaymentStatus
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
