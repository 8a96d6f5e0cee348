package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"paynotify/internal/buffer"
	"paynotify/internal/model"
)

// Relay drains the durable buffer into the dispatcher. Subscribers that
// exhaust their retries are dead-lettered individually so the ones already
// delivered are not sent the event again.
type Relay struct {
	Source     buffer.Source
	DeadLetter buffer.DeadLetterer
	// Requeue, when set, receives envelopes restricted to subscribers whose
	// delivery was cancelled. Without it the whole envelope is requeued.
	Requeue    buffer.Sink
	Dispatcher *Dispatcher
	Log        *zap.Logger

	Stop         chan struct{}
	RestartDelay time.Duration
}

func NewRelay(src buffer.Source, dl buffer.DeadLetterer, requeue buffer.Sink, d *Dispatcher, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{Source: src, DeadLetter: dl, Requeue: requeue, Dispatcher: d, Log: log, Stop: make(chan struct{}), RestartDelay: 2 * time.Second}
}

// Start consumes in the background until Stop is closed, restarting the
// consumer after broker errors.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Stop
		cancel()
	}()
	go func() {
		for {
			err := r.Source.Consume(ctx, r.Handle)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, buffer.ErrClosed) {
				r.Log.Warn("relay source closed")
				return
			}
			r.Log.Error("relay consumer stopped, restarting", zap.Error(err), zap.Duration("delay", r.RestartDelay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.RestartDelay):
			}
		}
	}()
}

// Handle delivers one envelope and decides how the buffer settles it.
func (r *Relay) Handle(ctx context.Context, env model.Envelope) error {
	log := r.Log.With(zap.String("event_id", env.Event.EventID), zap.String("payment_id", env.Event.PaymentID))
	d, err := r.Dispatcher.Deliver(ctx, env.Event, env.SubscriptionIDs)
	switch {
	case errors.Is(err, ErrEncode):
		return err
	case err != nil:
		log.Warn("relay could not start delivery, requeueing", zap.Error(err))
		return fmt.Errorf("%w: %v", buffer.ErrRequeue, err)
	}
	<-d.Done()
	results, _ := d.Wait(context.Background())

	var exhausted, cancelled []string
	for _, res := range results {
		switch res.State {
		case StateExhausted:
			exhausted = append(exhausted, res.SubscriptionID)
		case StateCancelled:
			cancelled = append(cancelled, res.SubscriptionID)
		}
	}
	// settle side effects must not be cut short by the consumer stopping
	sctx := context.WithoutCancel(ctx)
	if len(exhausted) > 0 {
		dead := model.Envelope{Event: env.Event, SubscriptionIDs: exhausted, EnqueuedAt: time.Now().UTC()}
		if err := r.DeadLetter.DeadLetter(sctx, dead, "delivery exhausted"); err != nil {
			// rejecting without requeue lets the broker's dead-letter route keep it
			log.Error("dead-letter failed, rejecting envelope", zap.Strings("subscription_ids", exhausted), zap.Error(err))
			return fmt.Errorf("dead-letter exhausted deliveries: %w", err)
		}
	}
	if len(cancelled) == 0 {
		return nil
	}
	if r.Requeue == nil || len(cancelled) == len(results) {
		return buffer.ErrRequeue
	}
	retry := model.Envelope{Event: env.Event, SubscriptionIDs: cancelled, EnqueuedAt: time.Now().UTC()}
	if err := r.Requeue.Enqueue(sctx, retry); err != nil {
		log.Warn("re-enqueue of cancelled deliveries failed, requeueing whole envelope", zap.Error(err))
		return buffer.ErrRequeue
	}
	return nil
}
