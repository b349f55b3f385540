package store

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ec-settlement/internal/domain/order"
)

// MemoryOrderStore keeps orders in process memory.
type MemoryOrderStore struct {
	mu       sync.RWMutex
	seq      int64
	orders   map[string]*order.Order
	byNumber map[string]string
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders:   make(map[string]*order.Order),
		byNumber: make(map[string]string),
	}
}

func (s *MemoryOrderStore) NextOrderNumber(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryOrderStore) Insert(ctx context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byNumber[o.OrderNumber]; ok {
		return ErrDuplicate
	}
	s.orders[o.ID] = o.Clone()
	s.byNumber[o.OrderNumber] = o.ID
	return nil
}

func (s *MemoryOrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryOrderStore) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[number]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryOrderStore) Update(ctx context.Context, o *order.Order, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[o.ID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if current.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

// Find returns matching orders oldest first.
func (s *MemoryOrderStore) Find(ctx context.Context, q order.Query) ([]*order.Order, error) {
	s.mu.RLock()
	out := make([]*order.Order, 0)
	for _, o := range s.orders {
		if q.Matches(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
