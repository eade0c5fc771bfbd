package payments

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// simulatedBase provides the shared clock, settle delay, and reference
// generator for the demo-mode clients. All simulated operations succeed, so
// the rest of the system exercises its real code paths without provider
// credentials.
type simulatedBase struct {
	delay time.Duration
	clock func() time.Time
	seq   *atomic.Int64
}

func newSimulatedBase(delay time.Duration) simulatedBase {
	return simulatedBase{delay: delay, clock: time.Now, seq: &atomic.Int64{}}
}

func (s simulatedBase) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s simulatedBase) now() time.Time {
	return s.clock().UTC()
}

func (s simulatedBase) nextRef(prefix string) string {
	return fmt.Sprintf("%s_sim_%d_%d", prefix, s.now().Unix(), s.seq.Add(1))
}

// SimulatedCardClient is a CardClient whose charges always capture.
type SimulatedCardClient struct {
	simulatedBase
}

// NewSimulatedCardClient builds a simulated card client with the given settle delay.
func NewSimulatedCardClient(delay time.Duration) *SimulatedCardClient {
	return &SimulatedCardClient{simulatedBase: newSimulatedBase(delay)}
}

func (s *SimulatedCardClient) Charge(ctx context.Context, req CardChargeRequest) (CardChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return CardChargeResult{}, err
	}
	now := s.now()
	return CardChargeResult{
		TransactionID: s.nextRef("pi"),
		Status:        StatusSucceeded,
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		Last4:         "4242",
		Brand:         "visa",
		CapturedAt:    &now,
	}, nil
}

func (s *SimulatedCardClient) LookupPayment(ctx context.Context, transactionID string) (CardChargeResult, error) {
	now := s.now()
	return CardChargeResult{
		TransactionID: transactionID,
		Status:        StatusSucceeded,
		Last4:         "4242",
		Brand:         "visa",
		CapturedAt:    &now,
	}, nil
}

func (s *SimulatedCardClient) Refund(ctx context.Context, req CardRefundRequest) (CardChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return CardChargeResult{}, err
	}
	return CardChargeResult{
		TransactionID: req.TransactionID,
		Status:        StatusRefunded,
	}, nil
}

// SimulatedMobileMoneyClient is a MobileMoneyClient whose prompts are always
// accepted. Completion still requires a callback, mirroring the real flow.
type SimulatedMobileMoneyClient struct {
	simulatedBase
}

// NewSimulatedMobileMoneyClient builds a simulated push-payment client.
func NewSimulatedMobileMoneyClient(delay time.Duration) *SimulatedMobileMoneyClient {
	return &SimulatedMobileMoneyClient{simulatedBase: newSimulatedBase(delay)}
}

func (s *SimulatedMobileMoneyClient) InitiateSTKPush(ctx context.Context, req STKPushRequest) (STKPushResult, error) {
	if err := s.wait(ctx); err != nil {
		return STKPushResult{}, err
	}
	return STKPushResult{
		MerchantRequestID: s.nextRef("mer"),
		CheckoutRequestID: s.nextRef("ws_CO"),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (s *SimulatedMobileMoneyClient) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (STKQueryResult, error) {
	return STKQueryResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
	}, nil
}

// SimulatedWalletClient is a WalletClient whose orders approve and capture
// without a real redirect.
type SimulatedWalletClient struct {
	simulatedBase
}

// NewSimulatedWalletClient builds a simulated wallet client.
func NewSimulatedWalletClient(delay time.Duration) *SimulatedWalletClient {
	return &SimulatedWalletClient{simulatedBase: newSimulatedBase(delay)}
}

func (s *SimulatedWalletClient) CreateOrder(ctx context.Context, req WalletOrderRequest) (WalletOrderResult, error) {
	if err := s.wait(ctx); err != nil {
		return WalletOrderResult{}, err
	}
	id := s.nextRef("wo")
	return WalletOrderResult{
		ProviderOrderID: id,
		Status:          "CREATED",
		ApproveURL:      "https://wallet.example.com/approve/" + id,
	}, nil
}

func (s *SimulatedWalletClient) CaptureOrder(ctx context.Context, providerOrderID string) (WalletCaptureResult, error) {
	if err := s.wait(ctx); err != nil {
		return WalletCaptureResult{}, err
	}
	return WalletCaptureResult{
		ProviderOrderID: providerOrderID,
		CaptureID:       s.nextRef("cap"),
		Status:          StatusSucceeded,
		PayerID:         s.nextRef("payer"),
	}, nil
}

func (s *SimulatedWalletClient) Refund(ctx context.Context, req WalletRefundRequest) (WalletCaptureResult, error) {
	if err := s.wait(ctx); err != nil {
		return WalletCaptureResult{}, err
	}
	return WalletCaptureResult{
		CaptureID: req.CaptureID,
		Status:    StatusRefunded,
	}, nil
}
