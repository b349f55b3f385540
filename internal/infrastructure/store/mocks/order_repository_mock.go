package mocks

import (
	"context"
	"sync"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/infrastructure/store"
)

// MockOrderRepository is a mock implementation of order.Repository for testing.
// It stores orders in memory and records writes.
type MockOrderRepository struct {
	*store.MemoryOrderStore

	mu sync.Mutex

	// For tracking calls in tests
	InsertCalls []*order.Order
	UpdateCalls []UpdateOrderCall
	FindCalls   []order.Query

	// Errors returned before touching storage
	InsertErr error
	UpdateErr error
	FindErr   error

	// UpdateCallback, when set, runs instead of the stored update
	UpdateCallback func(ctx context.Context, o *order.Order, expectedVersion int) error
}

// UpdateOrderCall records parameters passed to Update
type UpdateOrderCall struct {
	OrderID         string
	Version         int
	ExpectedVersion int
	Payment         order.PaymentStatus
	Fulfillment     order.FulfillmentStatus
}

// NewMockOrderRepository creates a new MockOrderRepository
func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{MemoryOrderStore: store.NewMemoryOrderStore()}
}

func (m *MockOrderRepository) Insert(ctx context.Context, o *order.Order) error {
	m.mu.Lock()
	m.InsertCalls = append(m.InsertCalls, o.Clone())
	err := m.InsertErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	return m.MemoryOrderStore.Insert(ctx, o)
}

func (m *MockOrderRepository) Update(ctx context.Context, o *order.Order, expectedVersion int) error {
	m.mu.Lock()
	m.UpdateCalls = append(m.UpdateCalls, UpdateOrderCall{
		OrderID:         o.ID,
		Version:         o.Version,
		ExpectedVersion: expectedVersion,
		Payment:         o.PaymentStatus,
		Fulfillment:     o.FulfillmentStatus,
	})
	err, callback := m.UpdateErr, m.UpdateCallback
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, o, expectedVersion)
	}
	if err != nil {
		return err
	}
	return m.MemoryOrderStore.Update(ctx, o, expectedVersion)
}

func (m *MockOrderRepository) Find(ctx context.Context, q order.Query) ([]*order.Order, error) {
	m.mu.Lock()
	m.FindCalls = append(m.FindCalls, q)
	err := m.FindErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return m.MemoryOrderStore.Find(ctx, q)
}

// Seed stores o without recording a call.
func (m *MockOrderRepository) Seed(o *order.Order) {
	_ = m.MemoryOrderStore.Insert(context.Background(), o)
}

// Updates returns a copy of the recorded Update calls.
func (m *MockOrderRepository) Updates() []UpdateOrderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UpdateOrderCall(nil), m.UpdateCalls...)
}

// Reset clears recorded calls and injected errors
func (m *MockOrderRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls = nil
	m.UpdateCalls = nil
	m.FindCalls = nil
	m.InsertErr = nil
	m.UpdateErr = nil
	m.FindErr = nil
	m.UpdateCallback = nil
}
