package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paynotify/internal/buffer"
	"paynotify/internal/metrics"
	"paynotify/internal/model"
)

// Mode selects how a published event reaches subscribers.
type Mode string

const (
	// ModeDirect fans out in-process right away.
	ModeDirect Mode = "direct"
	// ModeBuffered enqueues to the durable buffer; a Relay delivers later.
	ModeBuffered Mode = "buffered"
)

// Publication describes an accepted event. Dispatch is set in direct mode.
type Publication struct {
	EventID  string
	Mode     Mode
	Dispatch *Dispatch
}

// Publisher is the entry point for payment status transitions. It gates on
// the terminal-status predicate and routes the event directly or through the
// buffer.
type Publisher struct {
	Builder    *EventBuilder
	Dispatcher *Dispatcher
	Sink       buffer.Sink
	Mode       Mode
	Log        *zap.Logger
}

func NewPublisher(b *EventBuilder, d *Dispatcher, sink buffer.Sink, mode Mode, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if mode == "" {
		mode = ModeDirect
	}
	return &Publisher{Builder: b, Dispatcher: d, Sink: sink, Mode: mode, Log: log}
}

// Publish emits a PAYMENT_FINALIZED event for p. A non-final status returns
// (nil, nil) with no side effects. In direct mode delivery outlives ctx; the
// caller does not wait for it.
func (p *Publisher) Publish(ctx context.Context, pay model.Payment, correlationID string) (*Publication, error) {
	if !pay.Status.IsFinal() {
		return nil, nil
	}
	evt := p.Builder.Build(pay, correlationID)
	pub := &Publication{EventID: evt.EventID, Mode: p.Mode}
	switch p.Mode {
	case ModeBuffered:
		if p.Sink == nil {
			return nil, errors.New("buffered mode without a sink")
		}
		// reject payload defects before they reach the queue
		if _, err := Encode(evt); err != nil {
			p.Log.Error("event serialization failed", zap.String("payment_id", pay.ID), zap.Error(err))
			return nil, err
		}
		env := model.Envelope{Event: evt, EnqueuedAt: time.Now().UTC()}
		if err := p.Sink.Enqueue(ctx, env); err != nil {
			return nil, fmt.Errorf("enqueue event %s: %w", evt.EventID, err)
		}
		p.Log.Info("event enqueued", zap.String("event_id", evt.EventID), zap.String("payment_id", pay.ID))
	default:
		d, err := p.Dispatcher.Publish(context.WithoutCancel(ctx), evt)
		if err != nil {
			return nil, err
		}
		pub.Dispatch = d
	}
	metrics.EventsPublished.WithLabelValues(string(evt.EventType), string(p.Mode)).Inc()
	return pub, nil
}
