package payments

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across provider clients.
type Status string

const (
	// StatusPending indicates the provider is awaiting customer action or confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the provider reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the provider reports a terminal failure.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

// Error carries the provider identifier and a stable code alongside the
// human-readable message. Services inspect the code; handlers surface the
// message without the raw provider response.
type Error struct {
	Provider string
	Code     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return "payments: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = "provider request failed"
	}
	if e.Code != "" {
		return fmt.Sprintf("payments: %s: %s (%s)", e.Provider, msg, e.Code)
	}
	return fmt.Sprintf("payments: %s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError constructs a provider error with a trimmed code and message.
func NewError(provider, code, message string, cause error) *Error {
	return &Error{
		Provider: strings.TrimSpace(provider),
		Code:     strings.TrimSpace(code),
		Message:  strings.TrimSpace(message),
		Cause:    cause,
	}
}

// CardChargeRequest describes a synchronous charge against a tokenised card.
// Amount is in the smallest currency unit.
type CardChargeRequest struct {
	Amount         int64
	Currency       string
	InstrumentRef  string
	CustomerRef    string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// CardChargeResult normalises the card processor response.
type CardChargeResult struct {
	TransactionID string
	Status        Status
	Amount        int64
	Currency      string
	Last4         string
	Brand         string
	CapturedAt    *time.Time
	Raw           map[string]any
}

// CardRefundRequest requests a full or partial refund of a prior charge.
type CardRefundRequest struct {
	TransactionID  string
	Amount         *int64
	Reason         string
	IdempotencyKey string
}

// CardClient is the synchronous card-processor adapter. Implementations never
// mutate order state; they translate between canonical types and the wire.
type CardClient interface {
	Charge(ctx context.Context, req CardChargeRequest) (CardChargeResult, error)
	LookupPayment(ctx context.Context, transactionID string) (CardChargeResult, error)
	Refund(ctx context.Context, req CardRefundRequest) (CardChargeResult, error)
}

// STKPushRequest initiates a push-payment prompt on the subscriber's handset.
// Amount is in whole currency units; the conversion from the order's minor
// units happens at this boundary.
type STKPushRequest struct {
	Amount           int64
	Phone            string
	AccountReference string
	Description      string
}

// STKPushResult reports the correlation identifiers issued for a prompt.
type STKPushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResponseCode      string
	CustomerMessage   string
}

// STKQueryResult reports the provider-side state of a previously issued prompt.
type STKQueryResult struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
}

// MobileMoneyClient is the push-payment adapter. Initiation only starts the
// flow; completion arrives through the asynchronous callback.
type MobileMoneyClient interface {
	InitiateSTKPush(ctx context.Context, req STKPushRequest) (STKPushResult, error)
	QuerySTKStatus(ctx context.Context, checkoutRequestID string) (STKQueryResult, error)
}

// WalletOrderRequest creates a provider-side order for buyer approval.
// Amount is in the smallest currency unit.
type WalletOrderRequest struct {
	Amount      int64
	Currency    string
	Reference   string
	Description string
	ReturnURL   string
	CancelURL   string
}

// WalletOrderResult carries the approval continuation back to the client.
type WalletOrderResult struct {
	ProviderOrderID string
	Status          string
	ApproveURL      string
}

// WalletCaptureResult reports the outcome of capturing an approved order.
type WalletCaptureResult struct {
	ProviderOrderID string
	CaptureID       string
	Status          Status
	PayerID         string
	Amount          int64
	Currency        string
}

// WalletRefundRequest refunds a captured wallet payment.
type WalletRefundRequest struct {
	CaptureID string
	Amount    *int64
	Currency  string
	Reason    string
}

// WalletClient is the redirect-wallet adapter covering the
// create/approve/capture flow.
type WalletClient interface {
	CreateOrder(ctx context.Context, req WalletOrderRequest) (WalletOrderResult, error)
	CaptureOrder(ctx context.Context, providerOrderID string) (WalletCaptureResult, error)
	Refund(ctx context.Context, req WalletRefundRequest) (WalletCaptureResult, error)
}
