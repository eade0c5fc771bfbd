package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/sokoyetu/api/internal/platform/firestore"
	"github.com/sokoyetu/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract. RunInTx threads a single Firestore
// transaction through the context so every repository call inside the
// callback shares it.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires the Firestore repositories over a shared provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: provider,
		orders:   orders,
		counters: counters,
		health:   health,
	}, nil
}

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository {
	if r == nil {
		return nil
	}
	return r.orders
}

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository {
	if r == nil {
		return nil
	}
	return r.counters
}

// Health returns the health repository, which may be nil when no checks are configured.
func (r *Registry) Health() repositories.HealthRepository {
	if r == nil {
		return nil
	}
	return r.health
}

// RunInTx executes fn inside a single Firestore transaction. Repository reads
// and writes made through the callback context observe transaction semantics,
// so fn may be retried and must be idempotent.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry: firestore provider is required")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		return fn(pfirestore.ContextWithTransaction(txCtx, tx))
	})
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
