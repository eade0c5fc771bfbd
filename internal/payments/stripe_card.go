package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe client operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeCardConfig configures the StripeCardClient.
type StripeCardConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeCardClient implements CardClient using Stripe Payment Intents with
// immediate confirmation against a tokenised payment method.
type StripeCardClient struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeCardClient constructs a CardClient using the given configuration.
func NewStripeCardClient(cfg StripeCardConfig) (*StripeCardClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeCardClient{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Charge creates and confirms a Payment Intent in a single call.
func (c *StripeCardClient) Charge(ctx context.Context, req CardChargeRequest) (CardChargeResult, error) {
	if c == nil {
		return CardChargeResult{}, errors.New("stripe: client is nil")
	}
	if strings.TrimSpace(req.InstrumentRef) == "" {
		return CardChargeResult{}, NewError("stripe", "missing_instrument", "payment instrument reference is required", nil)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.InstrumentRef),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if c.account != "" {
		params.SetStripeAccount(c.account)
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := c.api.intents.New(params)
	if err != nil {
		return CardChargeResult{}, wrapStripeError("charge", err)
	}

	c.logger(ctx, "payments.stripe.charge", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"amount":        intent.Amount,
	})

	return stripeChargeResult(intent), nil
}

// LookupPayment retrieves the current provider-side state of a charge.
func (c *StripeCardClient) LookupPayment(ctx context.Context, transactionID string) (CardChargeResult, error) {
	if c == nil {
		return CardChargeResult{}, errors.New("stripe: client is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if c.account != "" {
		params.SetStripeAccount(c.account)
	}
	intent, err := c.api.intents.Get(transactionID, params)
	if err != nil {
		return CardChargeResult{}, wrapStripeError("lookup", err)
	}
	return stripeChargeResult(intent), nil
}

// Refund refunds a captured charge, optionally for a partial amount.
func (c *StripeCardClient) Refund(ctx context.Context, req CardRefundRequest) (CardChargeResult, error) {
	if c == nil {
		return CardChargeResult{}, errors.New("stripe: client is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if c.account != "" {
		params.SetStripeAccount(c.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if _, err := c.api.refunds.New(params); err != nil {
		return CardChargeResult{}, wrapStripeError("refund", err)
	}
	c.logger(ctx, "payments.stripe.refund", map[string]any{
		"paymentIntent": req.TransactionID,
	})
	return c.LookupPayment(ctx, req.TransactionID)
}

func stripeChargeResult(intent *stripe.PaymentIntent) CardChargeResult {
	if intent == nil {
		return CardChargeResult{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	var capturedAt *time.Time
	var last4, brand string
	if charge := intent.LatestCharge; charge != nil {
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
		}
		if charge.Refunded || (charge.AmountRefunded >= charge.Amount && charge.Amount > 0) {
			status = StatusRefunded
		}
		if pm := charge.PaymentMethodDetails; pm != nil && pm.Card != nil {
			last4 = pm.Card.Last4
			brand = string(pm.Card.Brand)
		}
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return CardChargeResult{
		TransactionID: intent.ID,
		Status:        status,
		Amount:        intent.Amount,
		Currency:      strings.ToUpper(string(intent.Currency)),
		Last4:         last4,
		Brand:         brand,
		CapturedAt:    capturedAt,
		Raw:           raw,
	}
}

func wrapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := string(stripeErr.Code)
		if code == "" {
			code = string(stripeErr.Type)
		}
		return NewError("stripe", code, stripeErr.Msg, err)
	}
	return NewError("stripe", "request_failed", fmt.Sprintf("%s request failed", op), err)
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
