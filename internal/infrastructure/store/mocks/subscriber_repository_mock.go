package mocks

import (
	"context"
	"sync"

	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/infrastructure/store"
)

// MockSubscriberRepository is a mock implementation of webhook.Repository for testing
type MockSubscriberRepository struct {
	*store.MemorySubscriberStore

	mu sync.Mutex

	// For tracking calls in tests
	FindByEventCalls []events.Name
	UpdateStatsCalls []string

	FindByEventErr error
}

// NewMockSubscriberRepository creates a new MockSubscriberRepository
func NewMockSubscriberRepository() *MockSubscriberRepository {
	return &MockSubscriberRepository{MemorySubscriberStore: store.NewMemorySubscriberStore()}
}

func (m *MockSubscriberRepository) FindByEvent(ctx context.Context, name events.Name) ([]*webhook.Subscriber, error) {
	m.mu.Lock()
	m.FindByEventCalls = append(m.FindByEventCalls, name)
	err := m.FindByEventErr
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return m.MemorySubscriberStore.FindByEvent(ctx, name)
}

func (m *MockSubscriberRepository) UpdateStats(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	m.mu.Lock()
	m.UpdateStatsCalls = append(m.UpdateStatsCalls, id)
	m.mu.Unlock()
	return m.MemorySubscriberStore.UpdateStats(ctx, id, fn)
}

// StatsUpdates returns how many times UpdateStats was called for id.
func (m *MockSubscriberRepository) StatsUpdates(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, got := range m.UpdateStatsCalls {
		if got == id {
			n++
		}
	}
	return n
}
