package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"paynotify/internal/metrics"
	"paynotify/internal/model"
)

// MinBackoff is the floor applied to a subscription's backoffBaseMs.
const MinBackoff = 250 * time.Millisecond

var ErrDispatcherClosed = errors.New("dispatcher shut down")

// State is a per-subscriber delivery state.
type State string

const (
	StatePending    State = "Pending"
	StateAttempting State = "Attempting"
	StateDelivered  State = "Delivered"
	StateExhausted  State = "Exhausted"
	StateCancelled  State = "Cancelled"
)

func (s State) Terminal() bool {
	return s == StateDelivered || s == StateExhausted || s == StateCancelled
}

// Attempt records one HTTP call and the delay that preceded it.
type Attempt struct {
	Number     int            `json:"number"`
	Delay      time.Duration  `json:"-"`
	DelayMs    int64          `json:"delayMs"`
	Outcome    AttemptOutcome `json:"outcome"`
	StatusCode int            `json:"statusCode,omitempty"`
	Error      string         `json:"error,omitempty"`
	LatencyMs  int64          `json:"latencyMs"`
}

// Result is the terminal outcome of one subscriber's delivery loop.
type Result struct {
	SubscriptionID string          `json:"subscriptionId"`
	TargetURL      string          `json:"targetUrl"`
	EventID        string          `json:"eventId"`
	EventType      model.EventType `json:"eventType"`
	PaymentID      string          `json:"paymentId"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	State          State           `json:"state"`
	Attempts       []Attempt       `json:"attempts"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
}

// SubscriptionSource resolves the subscriptions a dispatch fans out to.
// *registry.Registry satisfies it.
type SubscriptionSource interface {
	Interested(ctx context.Context, t model.EventType) ([]model.Subscription, error)
	Get(ctx context.Context, id string) (model.Subscription, error)
}

// Dispatcher fans an event out to subscribers, one goroutine per subscriber,
// each running a bounded retry loop with linear backoff.
type Dispatcher struct {
	subs   SubscriptionSource
	sender Sender
	log    *zap.Logger

	// Sleep waits d or until ctx is done. Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// mu guards observers, and closed together with wg.Add so Shutdown
	// never waits while a new loop is being registered.
	mu        sync.Mutex
	observers []func(Result)
	closed    bool

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(subs SubscriptionSource, sender Sender, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Dispatcher{subs: subs, sender: sender, log: log, Sleep: sleepCtx, root: root, cancel: cancel}
}

// OnResult registers fn to receive every terminal Result. fn runs on the
// delivery goroutine and must not block.
func (d *Dispatcher) OnResult(fn func(Result)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Dispatch tracks the delivery loops started by one publish call.
type Dispatch struct {
	EventID string
	Targets int

	done    chan struct{}
	results []Result
}

// Done is closed once every subscriber loop reached a terminal state.
func (p *Dispatch) Done() <-chan struct{} { return p.done }

// Wait blocks until all loops finish or ctx is done. Results are in
// subscription order.
func (p *Dispatch) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-p.done:
		return p.results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish delivers evt to every active subscription interested in its type.
// The body is encoded once; the returned handle completes when all loops end.
func (d *Dispatcher) Publish(ctx context.Context, evt model.Event) (*Dispatch, error) {
	if d.isClosed() {
		return nil, ErrDispatcherClosed
	}
	subs, err := d.subs.Interested(ctx, evt.EventType)
	if err != nil {
		return nil, fmt.Errorf("resolve subscriptions: %w", err)
	}
	return d.start(ctx, evt, subs)
}

// Deliver is Publish restricted to the given subscription ids. Unknown,
// inactive or uninterested ids are skipped. An empty list means all
// interested subscriptions.
func (d *Dispatcher) Deliver(ctx context.Context, evt model.Event, ids []string) (*Dispatch, error) {
	if len(ids) == 0 {
		return d.Publish(ctx, evt)
	}
	if d.isClosed() {
		return nil, ErrDispatcherClosed
	}
	subs := make([]model.Subscription, 0, len(ids))
	for _, id := range ids {
		s, err := d.subs.Get(ctx, id)
		if err != nil {
			d.log.Info("skipping subscription", zap.String("subscription_id", id), zap.Error(err))
			continue
		}
		if !s.Active || !s.Supports(evt.EventType) {
			continue
		}
		subs = append(subs, s)
	}
	return d.start(ctx, evt, subs)
}

func (d *Dispatcher) start(ctx context.Context, evt model.Event, subs []model.Subscription) (*Dispatch, error) {
	body, err := Encode(evt)
	if err != nil {
		d.log.Error("event serialization failed", zap.String("event_id", evt.EventID), zap.Error(err))
		return nil, err
	}
	p := &Dispatch{EventID: evt.EventID, Targets: len(subs), done: make(chan struct{}), results: make([]Result, len(subs))}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	if len(subs) > 0 {
		// one per loop plus the goroutine that closes p.done
		d.wg.Add(len(subs) + 1)
	}
	d.mu.Unlock()
	if len(subs) == 0 {
		d.log.Info("no interested subscribers", zap.String("event_id", evt.EventID), zap.String("event_type", string(evt.EventType)))
		close(p.done)
		return p, nil
	}

	var group sync.WaitGroup
	group.Add(len(subs))
	for i, s := range subs {
		go func(i int, s model.Subscription) {
			defer d.wg.Done()
			defer group.Done()
			lctx, cancel := context.WithCancel(ctx)
			stop := context.AfterFunc(d.root, cancel)
			defer func() {
				stop()
				cancel()
			}()
			res := d.deliver(lctx, s, evt, body)
			p.results[i] = res
			d.notify(res)
		}(i, s)
	}
	go func() {
		defer d.wg.Done()
		group.Wait()
		close(p.done)
	}()
	return p, nil
}

// deliver runs the retry loop for one subscriber. The snapshot s is fixed for
// the whole loop.
func (d *Dispatcher) deliver(ctx context.Context, s model.Subscription, evt model.Event, body []byte) Result {
	res := Result{
		SubscriptionID: s.ID,
		TargetURL:      s.TargetURL,
		EventID:        evt.EventID,
		EventType:      evt.EventType,
		PaymentID:      evt.PaymentID,
		CorrelationID:  evt.Correlation(),
		State:          StatePending,
		StartedAt:      time.Now().UTC(),
	}
	log := d.log.With(
		zap.String("subscription_id", s.ID),
		zap.String("event_id", evt.EventID),
		zap.String("payment_id", evt.PaymentID),
	)
	h := Headers{
		EventType:     string(evt.EventType),
		EventID:       evt.EventID,
		CorrelationID: evt.Correlation(),
		Signature:     SignatureHeader(s.Secret, body),
	}
	timeout := time.Duration(s.RequestTimeoutMs) * time.Millisecond
	maxAttempts := s.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	finish := func(st State) Result {
		res.State = st
		res.FinishedAt = time.Now().UTC()
		return res
	}

	for n := 1; n <= maxAttempts; n++ {
		var delay time.Duration
		if n > 1 {
			delay = BackoffDelay(s.BackoffBaseMs, n-1)
			if err := d.Sleep(ctx, delay); err != nil {
				log.Warn("delivery cancelled during backoff", zap.Int("attempts", n-1))
				return finish(StateCancelled)
			}
		}
		if ctx.Err() != nil {
			log.Warn("delivery cancelled", zap.Int("attempts", n-1))
			return finish(StateCancelled)
		}
		res.State = StateAttempting
		ar := d.attempt(ctx, s.TargetURL, body, h, timeout)
		a := Attempt{Number: n, Delay: delay, DelayMs: delay.Milliseconds(), Outcome: ar.Outcome(), StatusCode: ar.StatusCode, LatencyMs: ar.Latency.Milliseconds()}
		if ar.Err != nil {
			a.Error = ar.Err.Error()
		}
		res.Attempts = append(res.Attempts, a)
		metrics.DeliveryAttempts.WithLabelValues(string(evt.EventType), string(a.Outcome)).Inc()
		metrics.DeliveryLatency.WithLabelValues(string(evt.EventType)).Observe(float64(a.LatencyMs))

		if a.Outcome == OutcomeSuccess {
			log.Info("webhook delivered", zap.Int("attempt", n), zap.Int("status", ar.StatusCode))
			return finish(StateDelivered)
		}
		log.Warn("webhook attempt failed",
			zap.Int("attempt", n),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", ar.StatusCode),
			zap.Error(ar.Err),
		)
		if ctx.Err() != nil {
			return finish(StateCancelled)
		}
	}
	log.Error("webhook delivery exhausted", zap.Int("attempts", maxAttempts), zap.String("target_url", s.TargetURL))
	return finish(StateExhausted)
}

// attempt performs one send; a panic is reported as a transport failure.
func (d *Dispatcher) attempt(ctx context.Context, url string, body []byte, h Headers, timeout time.Duration) (ar AttemptResult) {
	defer func() {
		if r := recover(); r != nil {
			ar = AttemptResult{Err: fmt.Errorf("panic during delivery: %v", r)}
		}
	}()
	return d.sender.Send(ctx, url, body, h, timeout)
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) notify(res Result) {
	metrics.DeliveryResults.WithLabelValues(string(res.EventType), string(res.State)).Inc()
	d.mu.Lock()
	obs := append([]func(Result){}, d.observers...)
	d.mu.Unlock()
	for _, fn := range obs {
		fn(res)
	}
}

// Shutdown cancels every in-flight loop and waits for them to record their
// terminal state; every Dispatch accepted before it returns is Done. New
// publishes are rejected afterwards.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackoffDelay is the wait before the attempt following failed attempt
// number failed: max(MinBackoff, baseMs) * failed.
func BackoffDelay(baseMs, failed int) time.Duration {
	base := time.Duration(baseMs) * time.Millisecond
	if base < MinBackoff {
		base = MinBackoff
	}
	if failed < 1 {
		failed = 1
	}
	return base * time.Duration(failed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
