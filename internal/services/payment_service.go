package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/sokoyetu/api/internal/domain"
	"github.com/sokoyetu/api/internal/payments"
)

// ErrPaymentProvider wraps upstream provider failures surfaced to callers.
var ErrPaymentProvider = errors.New("payment: provider error")

// ErrPaymentNotInitiable indicates the order cannot accept a payment attempt.
var ErrPaymentNotInitiable = errors.New("payment: order not payable")

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders      OrderService
	Cards       payments.CardClient
	MobileMoney payments.MobileMoneyClient
	Wallet      payments.WalletClient
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)

	// SimulateProviders settles push payments immediately after initiation,
	// standing in for the callback that demo environments never receive.
	SimulateProviders bool
}

type paymentService struct {
	orders      OrderService
	cards       payments.CardClient
	mobileMoney payments.MobileMoneyClient
	wallet      payments.WalletClient
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
	simulate    bool
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:      deps.Orders,
		cards:       deps.Cards,
		mobileMoney: deps.MobileMoney,
		wallet:      deps.Wallet,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		simulate: deps.SimulateProviders,
	}, nil
}

func (s *paymentService) InitiatePayment(ctx context.Context, cmd InitiatePaymentCommand) (PaymentInitiation, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentInitiation{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return PaymentInitiation{}, err
	}

	if order.Status != domain.OrderStatusPending {
		return PaymentInitiation{}, fmt.Errorf("%w: order status is %q", ErrPaymentNotInitiable, order.Status)
	}
	switch order.Payment.Status {
	case domain.PaymentStatusPending:
	case domain.PaymentStatusFailed:
		// A failed payment re-arms through pending before the next attempt.
		order, err = s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
			OrderID: order.ID,
			Status:  domain.PaymentStatusPending,
			ActorID: cmd.ActorID,
			Comment: "payment retried",
		})
		if err != nil {
			return PaymentInitiation{}, err
		}
	default:
		return PaymentInitiation{}, fmt.Errorf("%w: payment status is %q", ErrPaymentNotInitiable, order.Payment.Status)
	}

	switch order.Payment.Method {
	case domain.PaymentMethodCard:
		return s.initiateCard(ctx, order, cmd)
	case domain.PaymentMethodPushPayment:
		return s.initiatePushPayment(ctx, order, cmd)
	case domain.PaymentMethodWalletRedirect:
		return s.initiateWalletRedirect(ctx, order, cmd)
	case domain.PaymentMethodCashOnDelivery, domain.PaymentMethodBankTransfer:
		return s.initiateManual(ctx, order, cmd)
	default:
		return PaymentInitiation{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, order.Payment.Method)
	}
}

// initiateCard runs the synchronous charge. The payment never rests in
// processing: it ends the call either paid or failed.
func (s *paymentService) initiateCard(ctx context.Context, order Order, cmd InitiatePaymentCommand) (PaymentInitiation, error) {
	if s.cards == nil {
		return PaymentInitiation{}, errors.New("payment service: card client not configured")
	}
	if strings.TrimSpace(cmd.InstrumentRef) == "" {
		return PaymentInitiation{}, fmt.Errorf("%w: card instrument reference is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusProcessing,
		ActorID: cmd.ActorID,
	})
	if err != nil {
		return PaymentInitiation{}, err
	}

	result, chargeErr := s.cards.Charge(ctx, payments.CardChargeRequest{
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		InstrumentRef:  strings.TrimSpace(cmd.InstrumentRef),
		Description:    "Order " + order.OrderNumber,
		IdempotencyKey: order.ID,
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		},
	})
	if chargeErr != nil {
		return PaymentInitiation{}, s.recordCardFailure(ctx, order, cmd.ActorID, chargeErr)
	}

	if result.Status != payments.StatusSucceeded {
		err := payments.NewError("stripe", "charge_incomplete", fmt.Sprintf("charge ended in status %q", result.Status), nil)
		return PaymentInitiation{}, s.recordCardFailure(ctx, order, cmd.ActorID, err)
	}

	updated, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusPaid,
		Card: &CardDetails{
			TransactionID: result.TransactionID,
			Last4:         result.Last4,
			Brand:         result.Brand,
		},
		ActorID: cmd.ActorID,
		Comment: "card charge captured",
	})
	if err != nil {
		// Funds were captured; the charge must not look abandoned just
		// because the paid write lost. Leave a reconciliation trail instead
		// of recording a failure.
		s.addNote(ctx, order.ID, fmt.Sprintf("card charge %s captured but payment record update failed; manual reconciliation required", result.TransactionID))
		s.logger(ctx, "payment.paid.record_failed", map[string]any{
			"order":       order.ID,
			"transaction": result.TransactionID,
			"error":       err.Error(),
		})
		return PaymentInitiation{}, err
	}

	return PaymentInitiation{Order: updated}, nil
}

// recordCardFailure absorbs the provider error into a failed transition before
// surfacing it. A charge whose confirmation was lost in transit is recorded
// with a distinct code so reconciliation can find it.
func (s *paymentService) recordCardFailure(ctx context.Context, order Order, actorID string, cause error) error {
	code, message := providerErrorFields(cause)
	unconfirmed := errors.Is(cause, context.DeadlineExceeded)
	if unconfirmed {
		code = "provider_unconfirmed"
		message = "charge confirmation was not received"
		s.addNote(ctx, order.ID, "card charge confirmation lost; provider state unknown, manual lookup required")
	}

	if _, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusFailed,
		Card: &CardDetails{
			ErrorCode:    code,
			ErrorMessage: message,
		},
		ActorID: actorID,
		Comment: "card charge failed",
		// An unconfirmed charge may have gone through; the order stays open
		// until someone reconciles it against the provider.
		KeepOrderOpen: unconfirmed,
	}); err != nil {
		s.logger(ctx, "payment.failure.record_failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}

	return fmt.Errorf("%w: %v", ErrPaymentProvider, cause)
}

// initiatePushPayment sends the STK prompt and leaves the payment pending.
// Only the callback or a status query moves it further.
func (s *paymentService) initiatePushPayment(ctx context.Context, order Order, cmd InitiatePaymentCommand) (PaymentInitiation, error) {
	if s.mobileMoney == nil {
		return PaymentInitiation{}, errors.New("payment service: mobile money client not configured")
	}
	phone := strings.TrimSpace(cmd.Phone)
	if phone == "" {
		return PaymentInitiation{}, fmt.Errorf("%w: subscriber phone is required", ErrOrderInvalidInput)
	}

	// The prompt API takes whole currency units; totals are stored in minor
	// units. Rounding up guards against undercharging.
	amount := (order.Totals.Total + 99) / 100
	result, pushErr := s.mobileMoney.InitiateSTKPush(ctx, payments.STKPushRequest{
		Amount:           amount,
		Phone:            phone,
		AccountReference: order.OrderNumber,
		Description:      "Order " + order.OrderNumber,
	})
	if pushErr != nil {
		if errors.Is(pushErr, context.DeadlineExceeded) {
			// The prompt may have reached the handset; keep the payment
			// pending and let the callback settle it.
			s.addNote(ctx, order.ID, "push payment initiation timed out; awaiting provider callback")
			return PaymentInitiation{}, fmt.Errorf("%w: %v", ErrPaymentProvider, pushErr)
		}
		if _, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
			OrderID: order.ID,
			Status:  domain.PaymentStatusFailed,
			MobileMoney: &MobileMoneyDetails{
				Phone:      phone,
				ResultDesc: providerErrorMessage(pushErr),
			},
			ActorID: cmd.ActorID,
			Comment: "push payment initiation failed",
		}); err != nil {
			s.logger(ctx, "payment.failure.record_failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
		return PaymentInitiation{}, fmt.Errorf("%w: %v", ErrPaymentProvider, pushErr)
	}

	updated, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusPending,
		MobileMoney: &MobileMoneyDetails{
			CheckoutRequestID: result.CheckoutRequestID,
			MerchantRequestID: result.MerchantRequestID,
			Phone:             phone,
			Amount:            amount,
		},
		ActorID: cmd.ActorID,
		Comment: "push payment prompt issued",
	})
	if err != nil {
		return PaymentInitiation{}, err
	}

	if s.simulate {
		updated, err = s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
			OrderID: order.ID,
			Status:  domain.PaymentStatusPaid,
			MobileMoney: &MobileMoneyDetails{
				ReceiptNumber:   fmt.Sprintf("SIM%d", s.clock().Unix()),
				TransactionDate: s.clock().Format("20060102150405"),
				ResultCode:      valuePtr(0),
				ResultDesc:      "simulated settlement",
			},
			ActorID: systemActorID,
			Comment: "simulated push payment settlement",
		})
		if err != nil {
			return PaymentInitiation{}, err
		}
	}

	return PaymentInitiation{
		Order:             updated,
		CheckoutRequestID: result.CheckoutRequestID,
		CustomerMessage:   result.CustomerMessage,
	}, nil
}

func (s *paymentService) initiateWalletRedirect(ctx context.Context, order Order, cmd InitiatePaymentCommand) (PaymentInitiation, error) {
	if s.wallet == nil {
		return PaymentInitiation{}, errors.New("payment service: wallet client not configured")
	}

	result, walletErr := s.wallet.CreateOrder(ctx, payments.WalletOrderRequest{
		Amount:      order.Totals.Total,
		Currency:    order.Currency,
		Reference:   order.OrderNumber,
		Description: "Order " + order.OrderNumber,
		ReturnURL:   strings.TrimSpace(cmd.ReturnURL),
		CancelURL:   strings.TrimSpace(cmd.CancelURL),
	})
	if walletErr != nil {
		if _, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
			OrderID: order.ID,
			Status:  domain.PaymentStatusFailed,
			Wallet: &WalletDetails{
				ErrorCode:    providerErrorCode(walletErr),
				ErrorMessage: providerErrorMessage(walletErr),
			},
			ActorID: cmd.ActorID,
			Comment: "wallet order creation failed",
		}); err != nil {
			s.logger(ctx, "payment.failure.record_failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
		return PaymentInitiation{}, fmt.Errorf("%w: %v", ErrPaymentProvider, walletErr)
	}

	updated, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusPending,
		Wallet: &WalletDetails{
			ProviderOrderID: result.ProviderOrderID,
			ProviderStatus:  result.Status,
			ApproveURL:      result.ApproveURL,
		},
		ActorID: cmd.ActorID,
		Comment: "wallet order created, awaiting buyer approval",
	})
	if err != nil {
		return PaymentInitiation{}, err
	}

	return PaymentInitiation{
		Order:      updated,
		ApproveURL: result.ApproveURL,
	}, nil
}

// initiateManual records the chosen offline method. The payment stays pending
// until fulfilment or an operator settles it.
func (s *paymentService) initiateManual(ctx context.Context, order Order, cmd InitiatePaymentCommand) (PaymentInitiation, error) {
	updated, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusPending,
		Manual: &ManualDetails{
			Reference: order.OrderNumber,
		},
		ActorID: cmd.ActorID,
		Comment: "awaiting manual settlement",
	})
	if err != nil {
		return PaymentInitiation{}, err
	}

	s.addNote(ctx, order.ID, fmt.Sprintf("order placed with %s; payment collected offline", order.Payment.Method))

	return PaymentInitiation{Order: updated}, nil
}

func (s *paymentService) CaptureWalletPayment(ctx context.Context, cmd CaptureWalletPaymentCommand) (Order, error) {
	if s.wallet == nil {
		return Order{}, errors.New("payment service: wallet client not configured")
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.Payment.Method != domain.PaymentMethodWalletRedirect {
		return Order{}, fmt.Errorf("%w: order is not a wallet payment", ErrOrderInvalidInput)
	}
	if order.Payment.Wallet == nil || order.Payment.Wallet.ProviderOrderID == "" {
		return Order{}, fmt.Errorf("%w: wallet order was never created", ErrPaymentNotInitiable)
	}

	result, captureErr := s.wallet.CaptureOrder(ctx, order.Payment.Wallet.ProviderOrderID)
	if captureErr != nil {
		if _, err := s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
			OrderID: order.ID,
			Status:  domain.PaymentStatusFailed,
			Wallet: &WalletDetails{
				ErrorCode:    providerErrorCode(captureErr),
				ErrorMessage: providerErrorMessage(captureErr),
			},
			ActorID: cmd.ActorID,
			Comment: "wallet capture failed",
		}); err != nil {
			s.logger(ctx, "payment.failure.record_failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
		return Order{}, fmt.Errorf("%w: %v", ErrPaymentProvider, captureErr)
	}

	if result.Status != payments.StatusSucceeded {
		err := payments.NewError("paypal", "capture_incomplete", fmt.Sprintf("capture ended in status %q", result.Status), nil)
		return Order{}, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}

	return s.orders.UpdatePaymentStatus(ctx, UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusPaid,
		Wallet: &WalletDetails{
			CaptureID:      result.CaptureID,
			PayerID:        result.PayerID,
			ProviderStatus: "COMPLETED",
		},
		ActorID: cmd.ActorID,
		Comment: "wallet payment captured",
	})
}

func (s *paymentService) RefundPayment(ctx context.Context, cmd RefundPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.Payment.Status != domain.PaymentStatusPaid && order.Payment.Status != domain.PaymentStatusPartiallyRefunded {
		return Order{}, fmt.Errorf("%w: payment status is %q", ErrOrderInvalidState, order.Payment.Status)
	}

	target := domain.PaymentStatusRefunded
	if cmd.Amount != nil && *cmd.Amount < order.Totals.Total {
		target = domain.PaymentStatusPartiallyRefunded
	}

	update := UpdatePaymentStatusCommand{
		OrderID: order.ID,
		Status:  target,
		ActorID: cmd.ActorID,
		Comment: strings.TrimSpace(cmd.Reason),
	}

	switch order.Payment.Method {
	case domain.PaymentMethodCard:
		if s.cards == nil {
			return Order{}, errors.New("payment service: card client not configured")
		}
		if order.Payment.Card == nil || order.Payment.Card.TransactionID == "" {
			return Order{}, fmt.Errorf("%w: no card transaction recorded", ErrOrderInvalidState)
		}
		if _, err := s.cards.Refund(ctx, payments.CardRefundRequest{
			TransactionID:  order.Payment.Card.TransactionID,
			Amount:         cmd.Amount,
			Reason:         cmd.Reason,
			IdempotencyKey: order.ID + ":refund",
		}); err != nil {
			return Order{}, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
		}
	case domain.PaymentMethodWalletRedirect:
		if s.wallet == nil {
			return Order{}, errors.New("payment service: wallet client not configured")
		}
		if order.Payment.Wallet == nil || order.Payment.Wallet.CaptureID == "" {
			return Order{}, fmt.Errorf("%w: no wallet capture recorded", ErrOrderInvalidState)
		}
		if _, err := s.wallet.Refund(ctx, payments.WalletRefundRequest{
			CaptureID: order.Payment.Wallet.CaptureID,
			Amount:    cmd.Amount,
			Currency:  order.Currency,
			Reason:    cmd.Reason,
		}); err != nil {
			return Order{}, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
		}
	default:
		// Push and manual settlements are returned out of band; the refund is
		// record-only.
		s.addNote(ctx, order.ID, fmt.Sprintf("refund of %s payment recorded; funds returned out of band", order.Payment.Method))
	}

	return s.orders.UpdatePaymentStatus(ctx, update)
}

// addNote is best-effort: a note must never fail the payment flow it annotates.
func (s *paymentService) addNote(ctx context.Context, orderID, content string) {
	if err := s.orders.AddSystemNote(ctx, orderID, content); err != nil {
		s.logger(ctx, "payment.note.failed", map[string]any{
			"order": orderID,
			"error": err.Error(),
		})
	}
}

func providerErrorFields(err error) (code string, message string) {
	return providerErrorCode(err), providerErrorMessage(err)
}

func providerErrorCode(err error) string {
	var provErr *payments.Error
	if errors.As(err, &provErr) {
		return provErr.Code
	}
	return "provider_error"
}

func providerErrorMessage(err error) string {
	var provErr *payments.Error
	if errors.As(err, &provErr) && provErr.Message != "" {
		return provErr.Message
	}
	return "payment provider request failed"
}
