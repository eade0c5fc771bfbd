package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/sokoyetu/api/internal/domain"
	"github.com/sokoyetu/api/internal/repositories"
)

const (
	orderEventCreated        = "order.created"
	orderEventStatusChanged  = "order.status.changed"
	orderEventPaymentChanged = "order.payment.changed"

	orderIDPrefix = "ord_"

	orderNumberCounter = "orders"
	systemActorID      = "system"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderCreationFailed indicates the order could not be persisted after retrying.
	ErrOrderCreationFailed = errors.New("order: creation failed")
)

// delivered, cancelled, and refunded are terminal: they have no outgoing
// edges. Refunding a delivered order adjusts payment state only.
var orderStateTransitions = map[string][]string{
	string(domain.OrderStatusPending):    {string(domain.OrderStatusProcessing), string(domain.OrderStatusCancelled)},
	string(domain.OrderStatusProcessing): {string(domain.OrderStatusShipped), string(domain.OrderStatusCancelled), string(domain.OrderStatusRefunded)},
	string(domain.OrderStatusShipped):    {string(domain.OrderStatusDelivered), string(domain.OrderStatusRefunded)},
}

var cancellableStatuses = []string{
	string(domain.OrderStatusPending),
	string(domain.OrderStatusProcessing),
}

var paymentStateTransitions = map[string][]string{
	string(domain.PaymentStatusPending): {
		string(domain.PaymentStatusProcessing),
		string(domain.PaymentStatusAuthorized),
		string(domain.PaymentStatusPaid),
		string(domain.PaymentStatusFailed),
		string(domain.PaymentStatusCancelled),
	},
	string(domain.PaymentStatusProcessing): {
		string(domain.PaymentStatusAuthorized),
		string(domain.PaymentStatusPaid),
		string(domain.PaymentStatusFailed),
		string(domain.PaymentStatusCancelled),
	},
	string(domain.PaymentStatusAuthorized): {
		string(domain.PaymentStatusPaid),
		string(domain.PaymentStatusFailed),
		string(domain.PaymentStatusCancelled),
	},
	string(domain.PaymentStatusPaid): {
		string(domain.PaymentStatusRefunded),
		string(domain.PaymentStatusPartiallyRefunded),
	},
	string(domain.PaymentStatusPartiallyRefunded): {
		string(domain.PaymentStatusRefunded),
	},
	string(domain.PaymentStatusFailed): {
		string(domain.PaymentStatusPending),
	},
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	PaymentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		counters:   deps.Counters,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	for i, item := range cmd.Items {
		if item.Quantity < 1 {
			return Order{}, fmt.Errorf("%w: item %d quantity must be at least 1", ErrOrderInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: item %d unit price must not be negative", ErrOrderInvalidInput, i)
		}
	}

	provider := domain.ProviderForMethod(cmd.Method)
	if provider == "" {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.Method)
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = userID
	}

	order := Order{
		ID:              s.nextOrderID(),
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		Currency:        currency,
		Items:           buildOrderLineItems(cmd.Items),
		ShippingAddress: cloneAddress(cmd.ShippingAddress),
		Contact:         cloneContact(cmd.Contact),
		Metadata:        cloneMap(cmd.Metadata),
		Payment: Payment{
			Method:   cmd.Method,
			Provider: provider,
			Status:   domain.PaymentStatusPending,
		},
		StatusHistory: []StatusHistoryEntry{{
			Status:    "created",
			ChangedAt: now,
			ChangedBy: actor,
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	order.Totals = buildOrderTotals(order.Items, cmd.Shipping, cmd.Tax, cmd.Discount)

	// The counter sequence keeps numbers unique; the random suffix keeps them
	// unguessable. A duplicate insert regenerates the suffix exactly once.
	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	insert := func() error {
		return s.runInTx(ctx, func(txCtx context.Context) error {
			if err := s.orders.Insert(txCtx, order); err != nil {
				return s.mapRepositoryError(err)
			}
			return nil
		})
	}

	if err := insert(); err != nil {
		if !errors.Is(err, ErrOrderConflict) {
			return Order{}, err
		}
		number, err = s.generateOrderNumber(ctx, now)
		if err != nil {
			return Order{}, err
		}
		order.OrderNumber = number
		if err := insert(); err != nil {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderCreationFailed, err)
		}
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		PaymentStatus: string(order.Payment.Status),
		ActorID:       actor,
		OccurredAt:    now,
		Metadata:      maps.Clone(order.Metadata),
	})

	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (Order, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return Order{}, fmt.Errorf("%w: checkout request id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := strings.TrimSpace(string(cmd.TargetStatus))

	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	now := s.now()

	var order Order
	var prevStatus string

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}

		prevStatus = string(order.Status)
		if _, err := s.applyStatusTransition(&order, target, actor, cmd.Reason, now); err != nil {
			return err
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := cloneMap(cmd.Metadata)
	if cmd.Reason != "" {
		metadata = ensureMap(metadata)
		metadata["reason"] = strings.TrimSpace(cmd.Reason)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: prevStatus,
		CurrentStatus:  string(order.Status),
		PaymentStatus:  string(order.Payment.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	reason := strings.TrimSpace(cmd.Reason)
	now := s.now()

	var order Order
	var prevStatus string

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if !slices.Contains(cancellableStatuses, string(order.Status)) {
			return fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
		}
		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}

		prevStatus = string(order.Status)
		order.CancelReason = optionalString(reason)

		if _, err := s.applyStatusTransition(&order, string(domain.OrderStatusCancelled), actor, reason, now); err != nil {
			return err
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := cloneMap(cmd.Metadata)
	if reason != "" {
		metadata = ensureMap(metadata)
		metadata["reason"] = reason
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: prevStatus,
		CurrentStatus:  string(order.Status),
		PaymentStatus:  string(order.Payment.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

// UpdatePaymentStatus is the single serialisation point for payment state.
// Validation and the conditional write both happen inside one transaction, so
// racing webhooks and status syncs settle into a valid sequence of transitions
// rather than clobbering each other.
func (s *orderService) UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := strings.TrimSpace(string(cmd.Status))
	if target == "" {
		return Order{}, fmt.Errorf("%w: payment status is required", ErrOrderInvalidInput)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		actor = systemActorID
	}
	now := s.now()

	var order Order
	var prevPayment, prevOrder string
	var changed bool

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		prevPayment = string(order.Payment.Status)
		prevOrder = string(order.Status)
		changed = prevPayment != target

		if changed && !paymentCanTransition(prevPayment, target) {
			return fmt.Errorf("%w: payment %s -> %s", ErrOrderInvalidState, prevPayment, target)
		}

		mergePaymentDetails(&order.Payment, cmd)

		if changed {
			order.Payment.Status = domain.PaymentStatus(target)
			stampPaymentTimestamps(&order.Payment, domain.PaymentStatus(target), now)
			order.StatusHistory = append(order.StatusHistory, StatusHistoryEntry{
				Status:    "payment_" + target,
				ChangedAt: now,
				ChangedBy: actor,
				Comment:   strings.TrimSpace(cmd.Comment),
				Metadata:  cloneMap(cmd.Metadata),
			})

			if err := s.applyPaymentSideEffects(&order, domain.PaymentStatus(target), actor, cmd.KeepOrderOpen, now); err != nil {
				return err
			}
		}

		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if changed {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventPaymentChanged,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			PreviousStatus: prevOrder,
			CurrentStatus:  string(order.Status),
			PaymentStatus:  string(order.Payment.Status),
			ActorID:        actor,
			OccurredAt:     now,
			Metadata: map[string]any{
				"previousPaymentStatus": prevPayment,
			},
		})
	}

	return order, nil
}

func (s *orderService) AddSystemNote(ctx context.Context, orderID string, content string) error {
	orderID = strings.TrimSpace(orderID)
	content = strings.TrimSpace(content)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if content == "" {
		return fmt.Errorf("%w: note content is required", ErrOrderInvalidInput)
	}

	now := s.now()

	return s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		order.Notes = append(order.Notes, OrderNote{
			Content:   content,
			Author:    systemActorID,
			CreatedAt: now,
		})
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
}

// applyPaymentSideEffects keeps the order machine consistent with the payment
// machine: captured funds push the order into fulfilment, a terminal failure
// cancels it unless the caller opted out.
func (s *orderService) applyPaymentSideEffects(order *Order, target domain.PaymentStatus, actor string, keepOrderOpen bool, now time.Time) error {
	switch target {
	case domain.PaymentStatusPaid:
		if order.Status == domain.OrderStatusPending {
			if _, err := s.applyStatusTransition(order, string(domain.OrderStatusProcessing), actor, "payment received", now); err != nil {
				return err
			}
		}
	case domain.PaymentStatusFailed:
		if keepOrderOpen {
			return nil
		}
		if slices.Contains(cancellableStatuses, string(order.Status)) {
			order.CancelReason = optionalString("payment failed")
			if _, err := s.applyStatusTransition(order, string(domain.OrderStatusCancelled), actor, "payment failed", now); err != nil {
				return err
			}
		}
	case domain.PaymentStatusRefunded:
		if canTransition(string(order.Status), string(domain.OrderStatusRefunded)) {
			if _, err := s.applyStatusTransition(order, string(domain.OrderStatusRefunded), actor, "payment refunded", now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *orderService) applyStatusTransition(order *Order, target string, actor string, comment string, now time.Time) (string, error) {
	current := strings.TrimSpace(string(order.Status))
	target = strings.TrimSpace(target)

	if current == target {
		order.UpdatedAt = now
		return current, nil
	}

	if !canTransition(current, target) {
		return "", fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, current, target)
	}
	if target == string(domain.OrderStatusRefunded) && !paymentCaptured(order.Payment.Status) {
		return "", fmt.Errorf("%w: cannot refund order while payment is %q", ErrOrderInvalidState, order.Payment.Status)
	}

	order.Status = domain.OrderStatus(target)
	order.UpdatedAt = now
	s.updateTimestamps(order, target, now)

	order.StatusHistory = append(order.StatusHistory, StatusHistoryEntry{
		Status:    target,
		ChangedAt: now,
		ChangedBy: actor,
		Comment:   strings.TrimSpace(comment),
	})

	return current, nil
}

func (s *orderService) updateTimestamps(order *Order, status string, now time.Time) {
	if status == string(domain.OrderStatusCancelled) && order.CancelledAt == nil {
		order.CancelledAt = &now
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SY-%04d-%06d-%s", now.Year(), seq, s.numberSuffix()), nil
}

func (s *orderService) numberSuffix() string {
	id := s.newID()
	if len(id) <= 4 {
		return strings.ToUpper(id)
	}
	return strings.ToUpper(id[len(id)-4:])
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// mergePaymentDetails folds caller-supplied detail fields into the stored
// block, last write wins per field. Empty fields never erase stored values, so
// partial provider responses and webhook payloads can be applied in any order.
func mergePaymentDetails(payment *Payment, cmd UpdatePaymentStatusCommand) {
	if cmd.Card != nil {
		if payment.Card == nil {
			payment.Card = &domain.CardDetails{}
		}
		mergeString(&payment.Card.TransactionID, cmd.Card.TransactionID)
		mergeString(&payment.Card.Last4, cmd.Card.Last4)
		mergeString(&payment.Card.Brand, cmd.Card.Brand)
		mergeString(&payment.Card.ErrorCode, cmd.Card.ErrorCode)
		mergeString(&payment.Card.ErrorMessage, cmd.Card.ErrorMessage)
	}
	if cmd.MobileMoney != nil {
		if payment.MobileMoney == nil {
			payment.MobileMoney = &domain.MobileMoneyDetails{}
		}
		mergeString(&payment.MobileMoney.CheckoutRequestID, cmd.MobileMoney.CheckoutRequestID)
		mergeString(&payment.MobileMoney.MerchantRequestID, cmd.MobileMoney.MerchantRequestID)
		mergeString(&payment.MobileMoney.Phone, cmd.MobileMoney.Phone)
		mergeString(&payment.MobileMoney.ReceiptNumber, cmd.MobileMoney.ReceiptNumber)
		mergeString(&payment.MobileMoney.TransactionDate, cmd.MobileMoney.TransactionDate)
		mergeString(&payment.MobileMoney.ResultDesc, cmd.MobileMoney.ResultDesc)
		if cmd.MobileMoney.Amount != 0 {
			payment.MobileMoney.Amount = cmd.MobileMoney.Amount
		}
		if cmd.MobileMoney.ResultCode != nil {
			code := *cmd.MobileMoney.ResultCode
			payment.MobileMoney.ResultCode = &code
		}
	}
	if cmd.Wallet != nil {
		if payment.Wallet == nil {
			payment.Wallet = &domain.WalletDetails{}
		}
		mergeString(&payment.Wallet.ProviderOrderID, cmd.Wallet.ProviderOrderID)
		mergeString(&payment.Wallet.ProviderStatus, cmd.Wallet.ProviderStatus)
		mergeString(&payment.Wallet.ApproveURL, cmd.Wallet.ApproveURL)
		mergeString(&payment.Wallet.CaptureID, cmd.Wallet.CaptureID)
		mergeString(&payment.Wallet.PayerID, cmd.Wallet.PayerID)
		mergeString(&payment.Wallet.ErrorCode, cmd.Wallet.ErrorCode)
		mergeString(&payment.Wallet.ErrorMessage, cmd.Wallet.ErrorMessage)
	}
	if cmd.Manual != nil {
		if payment.Manual == nil {
			payment.Manual = &domain.ManualDetails{}
		}
		mergeString(&payment.Manual.Reference, cmd.Manual.Reference)
		mergeString(&payment.Manual.Note, cmd.Manual.Note)
	}
}

func mergeString(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}

// stampPaymentTimestamps records the first time each lifecycle stage is
// reached. Repeated or late transitions never overwrite an earlier stamp.
func stampPaymentTimestamps(payment *Payment, status domain.PaymentStatus, now time.Time) {
	switch status {
	case domain.PaymentStatusPending:
		if payment.InitiatedAt == nil {
			payment.InitiatedAt = &now
		}
	case domain.PaymentStatusProcessing, domain.PaymentStatusAuthorized:
		if payment.ProcessedAt == nil {
			payment.ProcessedAt = &now
		}
	case domain.PaymentStatusPaid:
		if payment.CompletedAt == nil {
			payment.CompletedAt = &now
		}
	case domain.PaymentStatusFailed:
		if payment.FailedAt == nil {
			payment.FailedAt = &now
		}
	case domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
		if payment.RefundedAt == nil {
			payment.RefundedAt = &now
		}
	}
}

func buildOrderTotals(items []OrderLineItem, shipping, tax, discount int64) OrderTotals {
	var subtotal int64
	for _, item := range items {
		subtotal += item.Total
	}
	return OrderTotals{
		Subtotal: subtotal,
		Shipping: shipping,
		Tax:      tax,
		Discount: discount,
		Total:    subtotal + shipping + tax - discount,
	}
}

func buildOrderLineItems(items []OrderItemInput) []OrderLineItem {
	lines := make([]OrderLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, OrderLineItem{
			ProductRef: strings.TrimSpace(item.ProductRef),
			SKU:        strings.TrimSpace(item.SKU),
			Name:       strings.TrimSpace(item.Name),
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.UnitPrice * int64(item.Quantity),
		})
	}
	return lines
}

func cloneAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	cloned := *addr
	return &cloned
}

func cloneContact(contact *OrderContact) *OrderContact {
	if contact == nil {
		return nil
	}
	cloned := *contact
	return &cloned
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

func canTransition(current, target string) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func paymentCanTransition(current, target string) bool {
	if current == target {
		return true
	}
	next, ok := paymentStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

// paymentCaptured reports whether funds were ever taken for the order. An
// order may only move to refunded once this holds.
func paymentCaptured(status domain.PaymentStatus) bool {
	switch status {
	case domain.PaymentStatusPaid, domain.PaymentStatusPartiallyRefunded, domain.PaymentStatusRefunded:
		return true
	}
	return false
}
