package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"paynotify/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu   sync.Mutex
	subs map[string]model.Subscription // id -> subscription
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]model.Subscription{}}
}

func (m *Memory) CreateSubscription(ctx context.Context, s model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return model.Subscription{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, s model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[s.ID]
	if !ok {
		return ErrNotFound
	}
	next := s.Clone()
	next.Secret = cur.Secret
	m.subs[s.ID] = next
	return nil
}

func (m *Memory) SetSecret(ctx context.Context, id, secret string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	cur.Secret = secret
	cur.UpdatedAt = updatedAt
	m.subs[id] = cur
	return nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, activeOnly bool) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
