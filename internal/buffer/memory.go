package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"paynotify/internal/metrics"
	"paynotify/internal/model"
)

// Memory is an in-process Buffer for development and tests. Nothing survives
// a restart.
type Memory struct {
	log *zap.Logger

	mu     sync.Mutex
	queue  []model.Envelope
	dlq    []model.Envelope
	closed bool
	signal chan struct{}

	// RequeueDelay throttles redelivery of requeued envelopes.
	RequeueDelay time.Duration
}

func NewMemory(log *zap.Logger) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{log: log, signal: make(chan struct{}, 1), RequeueDelay: 100 * time.Millisecond}
}

func (m *Memory) Enqueue(ctx context.Context, env model.Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	if err := m.push(env); err != nil {
		return err
	}
	metrics.BufferMessages.WithLabelValues("enqueue").Inc()
	return nil
}

func (m *Memory) push(env model.Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Memory) pop() (model.Envelope, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.Envelope{}, false, true
	}
	if len(m.queue) == 0 {
		return model.Envelope{}, false, false
	}
	env := m.queue[0]
	m.queue = m.queue[1:]
	return env, true, false
}

// Consume runs h for each queued envelope, one at a time.
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		env, ok, closed := m.pop()
		if closed {
			return ErrClosed
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.signal:
				continue
			}
		}
		err := h(ctx, env)
		switch {
		case err == nil:
			metrics.BufferMessages.WithLabelValues("ack").Inc()
		case errors.Is(err, ErrRequeue):
			metrics.BufferMessages.WithLabelValues("requeue").Inc()
			if perr := m.push(env); perr != nil {
				return perr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.RequeueDelay):
			}
		default:
			m.park(env, err.Error())
		}
	}
}

func (m *Memory) DeadLetter(ctx context.Context, env model.Envelope, reason string) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.park(env, reason)
	return nil
}

func (m *Memory) park(env model.Envelope, reason string) {
	env.LastError = reason
	m.mu.Lock()
	m.dlq = append(m.dlq, env)
	m.mu.Unlock()
	metrics.BufferMessages.WithLabelValues("dead_letter").Inc()
	m.log.Error("envelope dead-lettered", zap.String("event_id", env.Event.EventID), zap.String("reason", reason))
}

func (m *Memory) InspectDLQ(ctx context.Context, limit int) ([]model.Envelope, error) {
	limit = clampLimit(limit)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.dlq))
	return append([]model.Envelope{}, m.dlq[:n]...), nil
}

func (m *Memory) ReplayDLQ(ctx context.Context, limit int) (int, error) {
	limit = clampLimit(limit)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	n := min(limit, len(m.dlq))
	moved := m.dlq[:n:n]
	m.dlq = m.dlq[n:]
	for _, env := range moved {
		env.LastError = ""
		m.queue = append(m.queue, env)
	}
	m.mu.Unlock()
	if n > 0 {
		metrics.BufferMessages.WithLabelValues("replay").Add(float64(n))
		m.wake()
	}
	return n, nil
}

// Len reports queued and dead-lettered counts.
func (m *Memory) Len() (queued, dead int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), len(m.dlq)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
	return nil
}
