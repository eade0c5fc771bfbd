package firestore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/sokoyetu/api/internal/domain"
	pfirestore "github.com/sokoyetu/api/internal/platform/firestore"
	"github.com/sokoyetu/api/internal/platform/pagination"
	"github.com/sokoyetu/api/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderNumbersCollection = "orderNumbers"

	checkoutRequestField = "payment.mobileMoney.checkoutRequestId"
)

// OrderRepository persists order aggregates. Writes are version-preconditioned:
// Update compares the stored version against the caller's snapshot inside a
// transaction and refuses the write on mismatch. Insert reserves the order
// number in a companion collection so duplicates surface as conflicts.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	numbers  *pfirestore.Collection[orderNumberDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		numbers:  pfirestore.NewCollection[orderNumberDocument](provider, orderNumbersCollection),
	}, nil
}

// Insert stores a new order and reserves its order number atomically. A
// duplicate order id or order number surfaces as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	number := strings.TrimSpace(order.OrderNumber)
	if number == "" {
		return errors.New("order repository: order number is required")
	}

	orderRef, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	numberRef, err := r.numbers.DocumentRef(ctx, number)
	if err != nil {
		return err
	}

	doc := encodeOrderDocument(order)
	reservation := orderNumberDocument{
		OrderID:    orderID,
		ReservedAt: doc.CreatedAt,
	}

	create := func(tx *firestore.Transaction) error {
		if err := tx.Create(numberRef, reservation); err != nil {
			return err
		}
		return tx.Create(orderRef, doc)
	}

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		return pfirestore.WrapError("orders.insert", create(tx))
	}
	err = r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return create(tx)
	})
	return pfirestore.WrapError("orders.insert", err)
}

// Update replaces the stored aggregate when the caller's version matches the
// persisted one, bumping the version on write. A mismatch means another writer
// won the race and surfaces as a conflict.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}

	apply := func(tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := pfirestore.DecodeSnapshot[orderDocument](snapshot)
		if err != nil {
			return fmt.Errorf("orders decode %s: %w", orderID, err)
		}
		if current.Version != order.Version {
			return status.Errorf(codes.FailedPrecondition,
				"order %s version %d does not match stored version %d", orderID, order.Version, current.Version)
		}
		doc := encodeOrderDocument(order)
		doc.Version = order.Version + 1
		return tx.Set(ref, doc)
	}

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		return pfirestore.WrapError("orders.update", apply(tx))
	}
	err = r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return apply(tx)
	})
	return pfirestore.WrapError("orders.update", err)
}

// FindByID fetches a single order. Inside a unit of work the read goes through
// the shared transaction so later writes see a consistent snapshot.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.find_by_id", err)
		}
		doc, err := pfirestore.DecodeSnapshot[orderDocument](snapshot)
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.find_by_id", err)
		}
		return decodeOrderDocument(orderID, doc, snapshot.CreateTime, snapshot.UpdateTime), nil
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(orderID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByCheckoutRequestID resolves the order awaiting the push-payment
// callback with the given correlation id.
func (r *OrderRepository) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return domain.Order{}, errors.New("order repository: checkout request id is required")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(checkoutRequestField, "==", checkoutRequestID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_checkout_request",
			status.Errorf(codes.NotFound, "no order with checkout request id %s", checkoutRequestID))
	}
	doc := docs[0]
	return decodeOrderDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// List returns orders newest first, filtered by user, status, and creation
// window, with cursor pagination.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.orders == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: %w", err)
		}
		startAfter = []any{cursor.CreatedAt, cursor.ID}
	}

	userID := strings.TrimSpace(filter.UserID)
	statusFilters := normaliseOrderStatuses(filter.Status)

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID != "" {
			q = q.Where("userId", "==", userID)
		}

		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}

		if filter.DateRange.From != nil && !filter.DateRange.From.IsZero() {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil && !filter.DateRange.To.IsZero() {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = pagination.EncodeCursor(pagination.Cursor{CreatedAt: tokenTime, ID: last.ID})
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Order, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type orderNumberDocument struct {
	OrderID    string    `firestore:"orderId"`
	ReservedAt time.Time `firestore:"reservedAt"`
}

type orderDocument struct {
	OrderNumber     string                  `firestore:"orderNumber"`
	UserID          string                  `firestore:"userId"`
	Status          string                  `firestore:"status"`
	Currency        string                  `firestore:"currency"`
	Totals          orderTotalsDocument     `firestore:"totals"`
	Items           []orderLineItemDocument `firestore:"items"`
	ShippingAddress *addressDocument        `firestore:"shippingAddress,omitempty"`
	Contact         *orderContactDocument   `firestore:"contact,omitempty"`
	Payment         paymentDocument         `firestore:"payment"`
	StatusHistory   []statusHistoryDocument `firestore:"statusHistory"`
	Notes           []orderNoteDocument     `firestore:"notes,omitempty"`
	Metadata        map[string]any          `firestore:"metadata,omitempty"`
	Version         int64                   `firestore:"version"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
	CancelledAt     *time.Time              `firestore:"cancelledAt,omitempty"`
	CancelReason    *string                 `firestore:"cancelReason,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type orderLineItemDocument struct {
	ProductRef string         `firestore:"productRef"`
	SKU        string         `firestore:"sku"`
	Name       string         `firestore:"name"`
	Quantity   int            `firestore:"quantity"`
	UnitPrice  int64          `firestore:"unitPrice"`
	Total      int64          `firestore:"total"`
	Metadata   map[string]any `firestore:"metadata,omitempty"`
}

type orderContactDocument struct {
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type statusHistoryDocument struct {
	Status    string         `firestore:"status"`
	ChangedAt time.Time      `firestore:"changedAt"`
	ChangedBy string         `firestore:"changedBy"`
	Comment   string         `firestore:"comment,omitempty"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
}

type orderNoteDocument struct {
	Content   string    `firestore:"content"`
	Author    string    `firestore:"author"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type paymentDocument struct {
	Method   string `firestore:"method"`
	Provider string `firestore:"provider"`
	Status   string `firestore:"status"`

	Card        *cardDetailsDocument        `firestore:"card,omitempty"`
	MobileMoney *mobileMoneyDetailsDocument `firestore:"mobileMoney,omitempty"`
	Wallet      *walletDetailsDocument      `firestore:"wallet,omitempty"`
	Manual      *manualDetailsDocument      `firestore:"manual,omitempty"`

	InitiatedAt *time.Time `firestore:"initiatedAt,omitempty"`
	ProcessedAt *time.Time `firestore:"processedAt,omitempty"`
	CompletedAt *time.Time `firestore:"completedAt,omitempty"`
	FailedAt    *time.Time `firestore:"failedAt,omitempty"`
	RefundedAt  *time.Time `firestore:"refundedAt,omitempty"`
}

type cardDetailsDocument struct {
	TransactionID string `firestore:"transactionId,omitempty"`
	Last4         string `firestore:"last4,omitempty"`
	Brand         string `firestore:"brand,omitempty"`
	ErrorCode     string `firestore:"errorCode,omitempty"`
	ErrorMessage  string `firestore:"errorMessage,omitempty"`
}

type mobileMoneyDetailsDocument struct {
	CheckoutRequestID string `firestore:"checkoutRequestId,omitempty"`
	MerchantRequestID string `firestore:"merchantRequestId,omitempty"`
	Phone             string `firestore:"phone,omitempty"`
	Amount            int64  `firestore:"amount,omitempty"`
	ReceiptNumber     string `firestore:"receiptNumber,omitempty"`
	TransactionDate   string `firestore:"transactionDate,omitempty"`
	ResultCode        *int   `firestore:"resultCode,omitempty"`
	ResultDesc        string `firestore:"resultDesc,omitempty"`
}

type walletDetailsDocument struct {
	ProviderOrderID string `firestore:"providerOrderId,omitempty"`
	ProviderStatus  string `firestore:"providerStatus,omitempty"`
	ApproveURL      string `firestore:"approveUrl,omitempty"`
	CaptureID       string `firestore:"captureId,omitempty"`
	PayerID         string `firestore:"payerId,omitempty"`
	ErrorCode       string `firestore:"errorCode,omitempty"`
	ErrorMessage    string `firestore:"errorMessage,omitempty"`
}

type manualDetailsDocument struct {
	Reference string `firestore:"reference,omitempty"`
	Note      string `firestore:"note,omitempty"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:  strings.TrimSpace(order.OrderNumber),
		UserID:       strings.TrimSpace(order.UserID),
		Status:       string(order.Status),
		Currency:     strings.TrimSpace(order.Currency),
		Totals:       orderTotalsDocument(order.Totals),
		Payment:      encodePaymentDocument(order.Payment),
		Metadata:     cloneAnyMap(order.Metadata),
		Version:      order.Version,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		CancelledAt:  normaliseTimePtr(order.CancelledAt),
		CancelReason: order.CancelReason,
	}

	if len(order.Items) > 0 {
		doc.Items = make([]orderLineItemDocument, 0, len(order.Items))
		for _, item := range order.Items {
			doc.Items = append(doc.Items, orderLineItemDocument{
				ProductRef: strings.TrimSpace(item.ProductRef),
				SKU:        strings.TrimSpace(item.SKU),
				Name:       strings.TrimSpace(item.Name),
				Quantity:   item.Quantity,
				UnitPrice:  item.UnitPrice,
				Total:      item.Total,
				Metadata:   cloneAnyMap(item.Metadata),
			})
		}
	}

	if order.ShippingAddress != nil {
		addr := addressDocument{
			Recipient:  strings.TrimSpace(order.ShippingAddress.Recipient),
			Line1:      strings.TrimSpace(order.ShippingAddress.Line1),
			Line2:      order.ShippingAddress.Line2,
			City:       strings.TrimSpace(order.ShippingAddress.City),
			State:      order.ShippingAddress.State,
			PostalCode: strings.TrimSpace(order.ShippingAddress.PostalCode),
			Country:    strings.TrimSpace(order.ShippingAddress.Country),
			Phone:      order.ShippingAddress.Phone,
		}
		doc.ShippingAddress = &addr
	}

	if order.Contact != nil {
		doc.Contact = &orderContactDocument{
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		}
	}

	if len(order.StatusHistory) > 0 {
		doc.StatusHistory = make([]statusHistoryDocument, 0, len(order.StatusHistory))
		for _, entry := range order.StatusHistory {
			doc.StatusHistory = append(doc.StatusHistory, statusHistoryDocument{
				Status:    entry.Status,
				ChangedAt: entry.ChangedAt.UTC(),
				ChangedBy: entry.ChangedBy,
				Comment:   entry.Comment,
				Metadata:  cloneAnyMap(entry.Metadata),
			})
		}
	}

	if len(order.Notes) > 0 {
		doc.Notes = make([]orderNoteDocument, 0, len(order.Notes))
		for _, note := range order.Notes {
			doc.Notes = append(doc.Notes, orderNoteDocument{
				Content:   note.Content,
				Author:    note.Author,
				CreatedAt: note.CreatedAt.UTC(),
			})
		}
	}

	return doc
}

func encodePaymentDocument(payment domain.Payment) paymentDocument {
	doc := paymentDocument{
		Method:      string(payment.Method),
		Provider:    string(payment.Provider),
		Status:      string(payment.Status),
		InitiatedAt: normaliseTimePtr(payment.InitiatedAt),
		ProcessedAt: normaliseTimePtr(payment.ProcessedAt),
		CompletedAt: normaliseTimePtr(payment.CompletedAt),
		FailedAt:    normaliseTimePtr(payment.FailedAt),
		RefundedAt:  normaliseTimePtr(payment.RefundedAt),
	}
	if payment.Card != nil {
		card := cardDetailsDocument(*payment.Card)
		doc.Card = &card
	}
	if payment.MobileMoney != nil {
		mm := mobileMoneyDetailsDocument(*payment.MobileMoney)
		doc.MobileMoney = &mm
	}
	if payment.Wallet != nil {
		wallet := walletDetailsDocument(*payment.Wallet)
		doc.Wallet = &wallet
	}
	if payment.Manual != nil {
		manual := manualDetailsDocument(*payment.Manual)
		doc.Manual = &manual
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument, createdAt, updatedAt time.Time) domain.Order {
	order := domain.Order{
		ID:           strings.TrimSpace(id),
		OrderNumber:  strings.TrimSpace(doc.OrderNumber),
		UserID:       strings.TrimSpace(doc.UserID),
		Status:       domain.OrderStatus(doc.Status),
		Currency:     strings.TrimSpace(doc.Currency),
		Totals:       domain.OrderTotals(doc.Totals),
		Payment:      decodePaymentDocument(doc.Payment),
		Metadata:     cloneAnyMap(doc.Metadata),
		Version:      doc.Version,
		CreatedAt:    pickTime(doc.CreatedAt, createdAt),
		UpdatedAt:    pickTime(doc.UpdatedAt, updatedAt),
		CancelledAt:  normaliseTimePtr(doc.CancelledAt),
		CancelReason: doc.CancelReason,
	}

	if len(doc.Items) > 0 {
		order.Items = make([]domain.OrderLineItem, 0, len(doc.Items))
		for _, item := range doc.Items {
			order.Items = append(order.Items, domain.OrderLineItem{
				ProductRef: item.ProductRef,
				SKU:        item.SKU,
				Name:       item.Name,
				Quantity:   item.Quantity,
				UnitPrice:  item.UnitPrice,
				Total:      item.Total,
				Metadata:   cloneAnyMap(item.Metadata),
			})
		}
	}

	if doc.ShippingAddress != nil {
		order.ShippingAddress = &domain.Address{
			Recipient:  doc.ShippingAddress.Recipient,
			Line1:      doc.ShippingAddress.Line1,
			Line2:      doc.ShippingAddress.Line2,
			City:       doc.ShippingAddress.City,
			State:      doc.ShippingAddress.State,
			PostalCode: doc.ShippingAddress.PostalCode,
			Country:    doc.ShippingAddress.Country,
			Phone:      doc.ShippingAddress.Phone,
		}
	}

	if doc.Contact != nil {
		order.Contact = &domain.OrderContact{
			Email: doc.Contact.Email,
			Phone: doc.Contact.Phone,
		}
	}

	if len(doc.StatusHistory) > 0 {
		order.StatusHistory = make([]domain.StatusHistoryEntry, 0, len(doc.StatusHistory))
		for _, entry := range doc.StatusHistory {
			order.StatusHistory = append(order.StatusHistory, domain.StatusHistoryEntry{
				Status:    entry.Status,
				ChangedAt: entry.ChangedAt.UTC(),
				ChangedBy: entry.ChangedBy,
				Comment:   entry.Comment,
				Metadata:  cloneAnyMap(entry.Metadata),
			})
		}
	}

	if len(doc.Notes) > 0 {
		order.Notes = make([]domain.OrderNote, 0, len(doc.Notes))
		for _, note := range doc.Notes {
			order.Notes = append(order.Notes, domain.OrderNote{
				Content:   note.Content,
				Author:    note.Author,
				CreatedAt: note.CreatedAt.UTC(),
			})
		}
	}

	return order
}

func decodePaymentDocument(doc paymentDocument) domain.Payment {
	payment := domain.Payment{
		Method:      domain.PaymentMethod(doc.Method),
		Provider:    domain.PaymentProvider(doc.Provider),
		Status:      domain.PaymentStatus(doc.Status),
		InitiatedAt: normaliseTimePtr(doc.InitiatedAt),
		ProcessedAt: normaliseTimePtr(doc.ProcessedAt),
		CompletedAt: normaliseTimePtr(doc.CompletedAt),
		FailedAt:    normaliseTimePtr(doc.FailedAt),
		RefundedAt:  normaliseTimePtr(doc.RefundedAt),
	}
	if doc.Card != nil {
		card := domain.CardDetails(*doc.Card)
		payment.Card = &card
	}
	if doc.MobileMoney != nil {
		mm := domain.MobileMoneyDetails(*doc.MobileMoney)
		payment.MobileMoney = &mm
	}
	if doc.Wallet != nil {
		wallet := domain.WalletDetails(*doc.Wallet)
		payment.Wallet = &wallet
	}
	if doc.Manual != nil {
		manual := domain.ManualDetails(*doc.Manual)
		payment.Manual = &manual
	}
	return payment
}

func cloneAnyMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}

func pickTime(primary time.Time, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Time{}
}

func normaliseTimePtr(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}

func normaliseOrderStatuses(statuses []string) []string {
	if len(statuses) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(statuses))
	seen := make(map[string]struct{})
	for _, status := range statuses {
		trimmed := strings.ToLower(strings.TrimSpace(status))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
