package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	domain "github.com/sokoyetu/api/internal/domain"
	"github.com/sokoyetu/api/internal/platform/observability"
)

// WebhookServiceDeps bundles collaborators required to construct the webhook service.
type WebhookServiceDeps struct {
	Orders OrderService
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	orders OrderService
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewWebhookService wires dependencies into a concrete WebhookService implementation.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &webhookService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// ProcessMobileMoneyCallback matches a push-payment callback to its order and
// applies the settlement. Unmatched correlation ids and duplicate deliveries
// are acknowledged without error so the provider stops retrying.
func (s *webhookService) ProcessMobileMoneyCallback(ctx context.Context, result MobileMoneyCallbackResult) (WebhookOutcome, error) {
	order, err := s.orders.FindByCheckoutRequestID(ctx, result.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.logger(ctx, "webhook.mpesa.unmatched", map[string]any{
				"checkoutRequestId": result.CheckoutRequestID,
				"resultCode":        result.ResultCode,
				"resultDesc":        observability.SanitizeProviderMessage(result.ResultDesc),
			})
			return WebhookOutcome{Matched: false}, nil
		}
		return WebhookOutcome{}, err
	}

	outcome := WebhookOutcome{
		OrderID: order.ID,
		Matched: true,
	}

	target := domain.PaymentStatusFailed
	details := &MobileMoneyDetails{
		MerchantRequestID: result.MerchantRequestID,
		ResultCode:        valuePtr(result.ResultCode),
		ResultDesc:        result.ResultDesc,
	}
	comment := "push payment failed: " + result.ResultDesc

	if result.ResultCode == 0 {
		target = domain.PaymentStatusPaid
		details.Amount = result.Amount
		details.ReceiptNumber = result.ReceiptNumber
		details.TransactionDate = result.TransactionDate
		details.Phone = result.PhoneNumber
		comment = "push payment settled, receipt " + result.ReceiptNumber
	}

	prevStatus := order.Payment.Status
	updated, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID:     order.ID,
		Status:      target,
		MobileMoney: details,
		ActorID:     systemActorID,
		Comment:     comment,
	})
	if err != nil {
		// A transition the machine rejects means a duplicate or late delivery
		// racing an already-settled payment. Acknowledge it; there is nothing
		// left to apply.
		if errors.Is(err, ErrOrderInvalidState) {
			s.logger(ctx, "webhook.mpesa.stale", map[string]any{
				"order":      order.ID,
				"resultCode": result.ResultCode,
				"error":      err.Error(),
			})
			outcome.PaymentStatus = prevStatus
			return outcome, nil
		}
		return WebhookOutcome{}, fmt.Errorf("webhook: apply callback: %w", err)
	}

	outcome.Applied = prevStatus != updated.Payment.Status
	outcome.PaymentStatus = updated.Payment.Status

	s.logger(ctx, "webhook.mpesa.processed", map[string]any{
		"order":         order.ID,
		"resultCode":    strconv.Itoa(result.ResultCode),
		"paymentStatus": string(updated.Payment.Status),
		"applied":       outcome.Applied,
		"phone":         observability.MaskMsisdn(result.PhoneNumber),
	})

	return outcome, nil
}
