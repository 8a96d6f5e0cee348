// Package buffer is the durable boundary between publishing an event and
// delivering it. Producers enqueue envelopes; a relay consumes them with
// manual acknowledgement; envelopes that cannot be delivered end up in a
// dead-letter queue that can be inspected and replayed.
package buffer

import (
	"context"
	"errors"

	"paynotify/internal/model"
)

var (
	// ErrRequeue asks the consumer to return the message to the queue
	// instead of dead-lettering it.
	ErrRequeue = errors.New("requeue message")
	ErrClosed  = errors.New("buffer closed")
	ErrNacked  = errors.New("message nacked by broker")
)

// Sink accepts envelopes for later delivery. A nil error is a broker ack.
type Sink interface {
	Enqueue(ctx context.Context, env model.Envelope) error
}

// Handler processes one consumed envelope. nil acks, ErrRequeue requeues and
// any other error dead-letters the message.
type Handler func(ctx context.Context, env model.Envelope) error

// Source delivers envelopes to a handler until ctx is done.
type Source interface {
	Consume(ctx context.Context, h Handler) error
}

// DeadLetterer parks an envelope in the dead-letter queue directly.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, env model.Envelope, reason string) error
}

// DLQ exposes dead-letter inspection and replay.
type DLQ interface {
	// InspectDLQ returns up to limit dead-lettered envelopes without removing them.
	InspectDLQ(ctx context.Context, limit int) ([]model.Envelope, error)
	// ReplayDLQ moves up to limit envelopes back to the delivery queue and
	// reports how many were moved.
	ReplayDLQ(ctx context.Context, limit int) (int, error)
}

// Buffer is the full broker-side contract.
type Buffer interface {
	Sink
	Source
	DeadLetterer
	DLQ
	Close() error
}

// Topology names the exchanges, queues and routing keys.
type Topology struct {
	Exchange           string `yaml:"exchange"`
	CoordinationQueue  string `yaml:"coordination_queue"`
	CoordinationKey    string `yaml:"coordination_key"`
	StatusQueue        string `yaml:"status_queue"`
	StatusKey          string `yaml:"status_key"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	DeadLetterQueue    string `yaml:"dead_letter_queue"`
	DeadLetterKey      string `yaml:"dead_letter_key"`
}

func DefaultTopology() Topology {
	return Topology{
		Exchange:           "payment.exchange",
		CoordinationQueue:  "payment.coordination.queue",
		CoordinationKey:    "payment.coordination",
		StatusQueue:        "payment.status.update.queue",
		StatusKey:          "payment.status.update",
		DeadLetterExchange: "payment.dlx",
		DeadLetterQueue:    "payment.coordination.dlq",
		DeadLetterKey:      "payment.coordination.dlq",
	}
}

// withDefaults fills empty names from DefaultTopology.
func (t Topology) withDefaults() Topology {
	d := DefaultTopology()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&t.Exchange, d.Exchange)
	fill(&t.CoordinationQueue, d.CoordinationQueue)
	fill(&t.CoordinationKey, d.CoordinationKey)
	fill(&t.StatusQueue, d.StatusQueue)
	fill(&t.StatusKey, d.StatusKey)
	fill(&t.DeadLetterExchange, d.DeadLetterExchange)
	fill(&t.DeadLetterQueue, d.DeadLetterQueue)
	fill(&t.DeadLetterKey, d.DeadLetterKey)
	return t
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
