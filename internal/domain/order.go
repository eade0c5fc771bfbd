package domain

import "time"

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order has been created and awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment has cleared and fulfilment can begin.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order has reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before shipment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates a paid order has been refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus enumerates valid states of the payment sub-record.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not started or awaits an async confirmation.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusProcessing indicates a provider interaction is in flight.
	PaymentStatusProcessing PaymentStatus = "processing"
	// PaymentStatusAuthorized indicates funds are reserved but not captured.
	PaymentStatusAuthorized PaymentStatus = "authorized"
	// PaymentStatusPaid indicates funds have been captured.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the payment attempt failed terminally.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the full amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
	// PaymentStatusPartiallyRefunded indicates part of the amount was returned.
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	// PaymentStatusCancelled indicates the payment was abandoned before capture.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// PaymentMethod enumerates the ways a buyer can settle an order.
type PaymentMethod string

const (
	// PaymentMethodCard settles synchronously through the card processor.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodPushPayment settles through a mobile-money STK prompt on the buyer's phone.
	PaymentMethodPushPayment PaymentMethod = "push_payment"
	// PaymentMethodWalletRedirect settles through a hosted wallet approval flow.
	PaymentMethodWalletRedirect PaymentMethod = "wallet_redirect"
	// PaymentMethodCashOnDelivery settles offline at delivery time.
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
	// PaymentMethodBankTransfer settles offline through a manual transfer.
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// PaymentProvider identifies the upstream system responsible for a payment method.
type PaymentProvider string

const (
	// PaymentProviderCard is the synchronous card processor.
	PaymentProviderCard PaymentProvider = "card_processor"
	// PaymentProviderMobileMoney is the mobile-money push-payment processor.
	PaymentProviderMobileMoney PaymentProvider = "mobile_money_processor"
	// PaymentProviderWallet is the redirect wallet processor.
	PaymentProviderWallet PaymentProvider = "wallet_processor"
	// PaymentProviderManual marks methods settled without any provider call.
	PaymentProviderManual PaymentProvider = "manual"
)

// ProviderForMethod maps a payment method onto the provider that services it.
// The zero value is returned for unknown methods.
func ProviderForMethod(method PaymentMethod) PaymentProvider {
	switch method {
	case PaymentMethodCard:
		return PaymentProviderCard
	case PaymentMethodPushPayment:
		return PaymentProviderMobileMoney
	case PaymentMethodWalletRedirect:
		return PaymentProviderWallet
	case PaymentMethodCashOnDelivery, PaymentMethodBankTransfer:
		return PaymentProviderManual
	default:
		return ""
	}
}

// Order is the aggregate root tying line items, the payment sub-record, and the
// append-only status history together. Version is the optimistic concurrency
// token checked by the repository on every update.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	Currency        string
	Totals          OrderTotals
	Items           []OrderLineItem
	ShippingAddress *Address
	Contact         *OrderContact
	Payment         Payment
	StatusHistory   []StatusHistoryEntry
	Notes           []OrderNote
	Metadata        map[string]any
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelledAt     *time.Time
	CancelReason    *string
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Discount int64
	Total    int64
}

// OrderLineItem snapshots a product at the time the order was placed.
type OrderLineItem struct {
	ProductRef string
	SKU        string
	Name       string
	Quantity   int
	UnitPrice  int64
	Total      int64
	Metadata   map[string]any
}

// OrderContact stores the buyer contact snapshot for notifications.
type OrderContact struct {
	Email string
	Phone string
}

// Address represents the postal address snapshot embedded in orders.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// StatusHistoryEntry records a single order or payment status change.
type StatusHistoryEntry struct {
	Status    string
	ChangedAt time.Time
	ChangedBy string
	Comment   string
	Metadata  map[string]any
}

// OrderNote is an audit annotation that never affects order state.
type OrderNote struct {
	Content   string
	Author    string
	CreatedAt time.Time
}

// Payment is the sub-record embedded in an order. Exactly one detail block is
// populated, matching the provider kind. Lifecycle timestamps record the first
// time each stage was reached and are never overwritten.
type Payment struct {
	Method   PaymentMethod
	Provider PaymentProvider
	Status   PaymentStatus

	Card        *CardDetails
	MobileMoney *MobileMoneyDetails
	Wallet      *WalletDetails
	Manual      *ManualDetails

	InitiatedAt *time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	RefundedAt  *time.Time
}

// CardDetails stores card-processor references and failure diagnostics.
type CardDetails struct {
	TransactionID string
	Last4         string
	Brand         string
	ErrorCode     string
	ErrorMessage  string
}

// MobileMoneyDetails stores STK push correlation and settlement metadata.
// CheckoutRequestID is the correlation key used to match asynchronous
// webhook callbacks back to the order.
type MobileMoneyDetails struct {
	CheckoutRequestID string
	MerchantRequestID string
	Phone             string
	Amount            int64
	ReceiptNumber     string
	TransactionDate   string
	ResultCode        *int
	ResultDesc        string
}

// WalletDetails stores redirect-wallet order references across the
// create/approve/capture flow.
type WalletDetails struct {
	ProviderOrderID string
	ProviderStatus  string
	ApproveURL      string
	CaptureID       string
	PayerID         string
	ErrorCode       string
	ErrorMessage    string
}

// ManualDetails annotates offline settlement methods.
type ManualDetails struct {
	Reference string
	Note      string
}

// ActiveDetailKind names the detail block that matches the payment's provider.
func (p Payment) ActiveDetailKind() string {
	switch p.Provider {
	case PaymentProviderCard:
		return "card"
	case PaymentProviderMobileMoney:
		return "mobile_money"
	case PaymentProviderWallet:
		return "wallet"
	case PaymentProviderManual:
		return "manual"
	default:
		return ""
	}
}

// TerminalOrderStatus reports whether the given order status admits no further
// transitions.
func TerminalOrderStatus(status OrderStatus) bool {
	switch status {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}
