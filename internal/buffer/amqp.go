package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"paynotify/internal/metrics"
	"paynotify/internal/model"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	confirmChannelBuffer  = 256
	consumerTag           = "paynotify-relay"
)

// Channel is the subset of *amqp.Channel the buffer uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// DeclareTopology declares the payment exchange, both work queues with
// dead-letter arguments, and the dead-letter exchange and queue. It is
// idempotent.
func DeclareTopology(ch Channel, t Topology) error {
	t = t.withDefaults()
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	for _, q := range []struct{ name, key string }{
		{t.CoordinationQueue, t.CoordinationKey},
		{t.StatusQueue, t.StatusKey},
	} {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, DLXArgs(t)); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}
	}
	return nil
}

// DLXArgs returns the queue arguments routing rejected messages to the DLQ.
func DLXArgs(t Topology) amqp.Table {
	t = t.withDefaults()
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterKey,
	}
}

// AMQP is a RabbitMQ-backed Buffer with publisher confirms and manual acks.
type AMQP struct {
	ch       Channel
	conn     *amqp.Connection
	topo     Topology
	log      *zap.Logger
	prefetch int

	ConfirmTimeout time.Duration

	pubMu     sync.Mutex
	confirms  chan amqp.Confirmation
	published uint64 // delivery tag of the last successful publish

	closeOnce sync.Once
}

// DialAMQP connects to url and prepares the buffer on a fresh channel.
func DialAMQP(url string, t Topology, prefetch int, log *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	b, err := NewAMQP(ch, t, prefetch, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// NewAMQP declares the topology and enables confirm mode on ch.
func NewAMQP(ch Channel, t Topology, prefetch int, log *zap.Logger) (*AMQP, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if prefetch <= 0 {
		prefetch = 16
	}
	t = t.withDefaults()
	if err := DeclareTopology(ch, t); err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	return &AMQP{ch: ch, topo: t, log: log, prefetch: prefetch, confirms: confirms, ConfirmTimeout: defaultConfirmTimeout}, nil
}

func (b *AMQP) Enqueue(ctx context.Context, env model.Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.publish(ctx, b.topo.Exchange, b.topo.StatusKey, body, env, nil); err != nil {
		return err
	}
	metrics.BufferMessages.WithLabelValues("enqueue").Inc()
	return nil
}

func (b *AMQP) DeadLetter(ctx context.Context, env model.Envelope, reason string) error {
	env.LastError = reason
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.publish(ctx, b.topo.DeadLetterExchange, b.topo.DeadLetterKey, body, env, amqp.Table{"x-reason": reason}); err != nil {
		return err
	}
	metrics.BufferMessages.WithLabelValues("dead_letter").Inc()
	b.log.Error("envelope dead-lettered", zap.String("event_id", env.Event.EventID), zap.Strings("subscription_ids", env.SubscriptionIDs), zap.String("reason", reason))
	return nil
}

// publish sends one persistent message and waits for the broker confirm.
// Publishes are serialized and confirms are matched by delivery tag; a late
// confirm for a publish that already timed out is discarded.
func (b *AMQP) publish(ctx context.Context, exchange, key string, body []byte, env model.Envelope, headers amqp.Table) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Event.EventID,
		CorrelationId: env.Event.Correlation(),
		Type:          string(env.Event.EventType),
		Timestamp:     env.EnqueuedAt,
		Headers:       headers,
		Body:          body,
	}
	if err := b.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	// the broker numbers confirms from 1 per channel, counting only sent publishes
	b.published++
	tag := b.published

	timer := time.NewTimer(b.ConfirmTimeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-b.confirms:
			if !ok {
				return ErrClosed
			}
			if c.DeliveryTag < tag {
				b.log.Debug("discarding stale publish confirm", zap.Uint64("delivery_tag", c.DeliveryTag), zap.Uint64("awaiting", tag))
				continue
			}
			if !c.Ack {
				return ErrNacked
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("publish to %s/%s: confirmation timed out", exchange, key)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Consume delivers messages from the status queue to h until ctx is done or
// the channel closes.
func (b *AMQP) Consume(ctx context.Context, h Handler) error {
	if err := b.ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := b.ch.Consume(b.topo.StatusQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.topo.StatusQueue, err)
	}
	for {
		select {
		case <-ctx.Done():
			_ = b.ch.Cancel(consumerTag, false)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrClosed
			}
			b.handle(ctx, d, h)
		}
	}
}

func (b *AMQP) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		b.log.Error("undecodable envelope, dead-lettering", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		b.settle(d, "dead_letter", d.Nack(false, false))
		return
	}
	err := h(ctx, env)
	switch {
	case err == nil:
		b.settle(d, "ack", d.Ack(false))
	case errors.Is(err, ErrRequeue):
		b.settle(d, "requeue", d.Nack(false, true))
	default:
		b.log.Error("handler rejected envelope", zap.String("event_id", env.Event.EventID), zap.Error(err))
		b.settle(d, "dead_letter", d.Nack(false, false))
	}
}

func (b *AMQP) settle(d amqp.Delivery, op string, err error) {
	if err != nil {
		b.log.Warn("settle delivery failed", zap.String("op", op), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		return
	}
	metrics.BufferMessages.WithLabelValues(op).Inc()
}

// InspectDLQ holds up to limit messages unacked, then requeues them all so
// the queue is unchanged.
func (b *AMQP) InspectDLQ(ctx context.Context, limit int) ([]model.Envelope, error) {
	held, err := b.take(ctx, clampLimit(limit))
	defer func() {
		for _, d := range held {
			_ = d.Nack(false, true)
		}
	}()
	if err != nil {
		return nil, err
	}
	out := make([]model.Envelope, 0, len(held))
	for _, d := range held {
		var env model.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			env.LastError = "undecodable: " + err.Error()
		}
		out = append(out, env)
	}
	return out, nil
}

// ReplayDLQ republishes dead-lettered messages to the status route. A message
// is acked only after its republish is confirmed.
func (b *AMQP) ReplayDLQ(ctx context.Context, limit int) (int, error) {
	held, err := b.take(ctx, clampLimit(limit))
	if err != nil {
		for _, d := range held {
			_ = d.Nack(false, true)
		}
		return 0, err
	}
	moved := 0
	for i, d := range held {
		var env model.Envelope
		if jerr := json.Unmarshal(d.Body, &env); jerr != nil {
			_ = d.Nack(false, true)
			continue
		}
		env.LastError = ""
		body, _ := json.Marshal(env)
		if perr := b.publish(ctx, b.topo.Exchange, b.topo.StatusKey, body, env, nil); perr != nil {
			for _, rest := range held[i:] {
				_ = rest.Nack(false, true)
			}
			return moved, fmt.Errorf("replay: %w", perr)
		}
		if aerr := d.Ack(false); aerr != nil {
			b.log.Warn("ack replayed message failed", zap.Error(aerr))
		}
		moved++
		metrics.BufferMessages.WithLabelValues("replay").Inc()
	}
	return moved, nil
}

func (b *AMQP) take(ctx context.Context, limit int) ([]amqp.Delivery, error) {
	var held []amqp.Delivery
	for len(held) < limit {
		if err := ctx.Err(); err != nil {
			return held, err
		}
		d, ok, err := b.ch.Get(b.topo.DeadLetterQueue, false)
		if err != nil {
			return held, fmt.Errorf("get %s: %w", b.topo.DeadLetterQueue, err)
		}
		if !ok {
			break
		}
		held = append(held, d)
	}
	return held, nil
}

func (b *AMQP) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.ch.Close()
		if b.conn != nil {
			if cerr := b.conn.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
