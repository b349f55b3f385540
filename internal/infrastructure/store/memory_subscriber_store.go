package store

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
)

// MemorySubscriberStore keeps webhook subscribers in process memory.
type MemorySubscriberStore struct {
	mu   sync.RWMutex
	subs map[string]*webhook.Subscriber
}

func NewMemorySubscriberStore() *MemorySubscriberStore {
	return &MemorySubscriberStore{subs: make(map[string]*webhook.Subscriber)}
}

func (s *MemorySubscriberStore) Insert(ctx context.Context, sub *webhook.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return ErrDuplicate
	}
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *MemorySubscriberStore) Get(ctx context.Context, id string) (*webhook.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, webhook.ErrSubscriberNotFound
	}
	return sub.Clone(), nil
}

func (s *MemorySubscriberStore) List(ctx context.Context) ([]*webhook.Subscriber, error) {
	s.mu.RLock()
	out := make([]*webhook.Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemorySubscriberStore) Update(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.subs[id]
	if !ok {
		return nil, webhook.ErrSubscriberNotFound
	}
	next := current.Clone()
	fn(next)
	// Stats are owned by UpdateStats.
	next.Stats = current.Stats
	s.subs[id] = next
	return next.Clone(), nil
}

func (s *MemorySubscriberStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return webhook.ErrSubscriberNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *MemorySubscriberStore) FindByEvent(ctx context.Context, name events.Name) ([]*webhook.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webhook.Subscriber, 0)
	for _, sub := range s.subs {
		if sub.Subscribes(name) {
			out = append(out, sub.Clone())
		}
	}
	return out, nil
}

func (s *MemorySubscriberStore) UpdateStats(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, webhook.ErrSubscriberNotFound
	}
	fn(sub)
	return sub.Clone(), nil
}
