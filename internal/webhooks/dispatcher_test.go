package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paynotify/internal/model"
	"paynotify/internal/registry"
	"paynotify/internal/store"
)

type hookCall struct {
	Header http.Header
	Body   []byte
}

// hookServer answers with statuses[i] for the i-th call and the last status
// once the list is exhausted.
type hookServer struct {
	*httptest.Server
	mu       sync.Mutex
	calls    []hookCall
	statuses []int
}

func newHookServer(t *testing.T, statuses ...int) *hookServer {
	h := &hookServer{statuses: statuses}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		n := len(h.calls)
		h.calls = append(h.calls, hookCall{Header: r.Header.Clone(), Body: body})
		code := 200
		if len(h.statuses) > 0 {
			code = h.statuses[min(n, len(h.statuses)-1)]
		}
		h.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hookServer) Calls() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.calls...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays map[string][]time.Duration
}

type fixture struct {
	reg   *registry.Registry
	disp  *Dispatcher
	sleep *sleepRecorder
}

func newFixture(t *testing.T) *fixture {
	reg := registry.New(store.NewMemory(), rand.Reader, registry.DefaultDefaults())
	disp := NewDispatcher(reg, NewDeliveryClient(time.Second, 2*time.Second), zap.NewNop())
	rec := &sleepRecorder{delays: map[string][]time.Duration{}}
	disp.Sleep = func(ctx context.Context, d time.Duration) error {
		rec.mu.Lock()
		rec.delays["all"] = append(rec.delays["all"], d)
		rec.mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(func() { _ = disp.Shutdown(context.Background()) })
	return &fixture{reg: reg, disp: disp, sleep: rec}
}

func (f *fixture) subscribe(t *testing.T, url string, maxRetries, backoffMs int, types ...string) model.Subscription {
	if len(types) == 0 {
		types = []string{"PAYMENT_FINALIZED"}
	}
	s, err := f.reg.Create(context.Background(), registry.CreateRequest{
		Name: "sub", TargetURL: url, EventTypes: types, MaxRetries: &maxRetries, BackoffBaseMs: &backoffMs,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) event() model.Event {
	return NewEventBuilder("").Build(testPayment(model.StatusCompleted), "corr-1")
}

func waitResults(t *testing.T, p *Dispatch) []Result {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestDispatchDeliversSignedBody(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	sub := f.subscribe(t, hook.URL, 3, 0)
	evt := f.event()

	p, err := f.disp.Publish(context.Background(), evt)
	require.NoError(t, err)
	res := waitResults(t, p)

	require.Len(t, res, 1)
	assert.Equal(t, StateDelivered, res[0].State)
	calls := hook.Calls()
	require.Len(t, calls, 1)
	h := calls[0].Header
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "PAYMENT_FINALIZED", h.Get("X-Event-Type"))
	assert.Equal(t, evt.EventID, h.Get("X-Event-Id"))
	assert.Equal(t, "corr-1", h.Get("X-Correlation-Id"))
	assert.True(t, Verify(sub.Secret, calls[0].Body, h.Get("X-Signature")))

	want, err := Encode(evt)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(calls[0].Body))
}

func TestDispatchSkipsInactiveSubscriptions(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	sub := f.subscribe(t, hook.URL, 1, 0)
	off := false
	_, err := f.reg.Update(context.Background(), sub.ID, model.SubscriptionPatch{Active: &off})
	require.NoError(t, err)

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	assert.Empty(t, waitResults(t, p))
	assert.Empty(t, hook.Calls())
}

func TestDispatchRetryBoundAndBackoff(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 503)
	f.subscribe(t, hook.URL, 4, 100)

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	res := waitResults(t, p)

	require.Len(t, res, 1)
	assert.Equal(t, StateExhausted, res[0].State)
	assert.Len(t, hook.Calls(), 4)
	require.Len(t, res[0].Attempts, 4)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 750 * time.Millisecond}, f.sleep.delays["all"])
	assert.Equal(t, time.Duration(0), res[0].Attempts[0].Delay)
	assert.Equal(t, OutcomeHTTPError, res[0].Attempts[3].Outcome)
	assert.Equal(t, 503, res[0].Attempts[3].StatusCode)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, BackoffDelay(0, 1))
	assert.Equal(t, 500*time.Millisecond, BackoffDelay(100, 2))
	assert.Equal(t, 2*time.Second, BackoffDelay(1000, 2))
	assert.Equal(t, 1500*time.Millisecond, BackoffDelay(500, 3))
}

func TestMaxRetriesOneMeansSingleAttempt(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 500)
	f.subscribe(t, hook.URL, 1, 0)

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	res := waitResults(t, p)
	assert.Equal(t, StateExhausted, res[0].State)
	assert.Len(t, hook.Calls(), 1)
	assert.Empty(t, f.sleep.delays["all"])
}

func TestSameEventIDAcrossSubscribersAndAttempts(t *testing.T) {
	f := newFixture(t)
	a := newHookServer(t, 500, 500, 200)
	b := newHookServer(t, 200)
	f.subscribe(t, a.URL, 3, 0)
	f.subscribe(t, b.URL, 3, 0)
	evt := f.event()

	p, err := f.disp.Publish(context.Background(), evt)
	require.NoError(t, err)
	waitResults(t, p)

	calls := append(a.Calls(), b.Calls()...)
	require.Len(t, calls, 4)
	for _, c := range calls {
		assert.Equal(t, evt.EventID, c.Header.Get("X-Event-Id"))
		var got model.Event
		require.NoError(t, json.Unmarshal(c.Body, &got))
		assert.Equal(t, evt.EventID, got.EventID)
	}
}

func TestRotatedSecretInvalidatesOldSignatures(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	sub := f.subscribe(t, hook.URL, 1, 0)
	ctx := context.Background()

	newSecret, err := f.reg.RotateSecret(ctx, sub.ID)
	require.NoError(t, err)

	p, err := f.disp.Publish(ctx, f.event())
	require.NoError(t, err)
	waitResults(t, p)

	calls := hook.Calls()
	require.Len(t, calls, 1)
	sig := calls[0].Header.Get("X-Signature")
	assert.False(t, Verify(sub.Secret, calls[0].Body, sig))
	assert.True(t, Verify(newSecret, calls[0].Body, sig))
}

func TestTransientFailuresThenDelivered(t *testing.T) {
	f := newFixture(t)
	f.disp.Sleep = sleepCtx
	hook := newHookServer(t, 500, 500, 200)
	f.subscribe(t, hook.URL, 3, 100)

	start := time.Now()
	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	res := waitResults(t, p)

	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Len(t, hook.Calls(), 3)
	assert.Equal(t, StateDelivered, res[0].State)
	assert.Len(t, res[0].Attempts, 3)
}

func TestOnlyInterestedSubscriberIsCalled(t *testing.T) {
	f := newFixture(t)
	s1 := newHookServer(t, 200)
	s2 := newHookServer(t, 200)
	f.subscribe(t, s1.URL, 1, 0, "payment_finalized")
	f.subscribe(t, s2.URL, 1, 0, "REFUND_ISSUED")

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	waitResults(t, p)

	assert.Len(t, s1.Calls(), 1)
	assert.Empty(t, s2.Calls())
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t)
	bad := newHookServer(t, 500)
	good := newHookServer(t, 200)
	badSub := f.subscribe(t, bad.URL, 3, 0)
	goodSub := f.subscribe(t, good.URL, 3, 0)

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	res := waitResults(t, p)

	states := map[string]State{}
	for _, r := range res {
		states[r.SubscriptionID] = r.State
	}
	assert.Equal(t, StateExhausted, states[badSub.ID])
	assert.Equal(t, StateDelivered, states[goodSub.ID])
	assert.Len(t, bad.Calls(), 3)
	assert.Len(t, good.Calls(), 1)
}

func TestUnreachableEndpointIsTransportError(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	url := hook.URL
	hook.Close()
	f.subscribe(t, url, 2, 0)

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	res := waitResults(t, p)
	assert.Equal(t, StateExhausted, res[0].State)
	assert.Equal(t, OutcomeTransportError, res[0].Attempts[0].Outcome)
	assert.NotEmpty(t, res[0].Attempts[0].Error)
}

type panicSender struct{ calls int }

func (p *panicSender) Send(context.Context, string, []byte, Headers, time.Duration) AttemptResult {
	p.calls++
	if p.calls == 1 {
		panic("boom")
	}
	return AttemptResult{StatusCode: 204}
}

func TestPanicDuringAttemptIsRetried(t *testing.T) {
	f := newFixture(t)
	sender := &panicSender{}
	f.disp.sender = sender
	f.subscribe(t, "https://unused.example/hook", 2, 0)

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	res := waitResults(t, p)
	assert.Equal(t, StateDelivered, res[0].State)
	assert.Equal(t, OutcomeTransportError, res[0].Attempts[0].Outcome)
	assert.Equal(t, 2, sender.calls)
}

func TestShutdownCancelsLoopsInBackoff(t *testing.T) {
	f := newFixture(t)
	f.disp.Sleep = sleepCtx
	hook := newHookServer(t, 500)
	f.subscribe(t, hook.URL, 5, 60_000)

	var observed []Result
	var mu sync.Mutex
	f.disp.OnResult(func(r Result) {
		mu.Lock()
		observed = append(observed, r)
		mu.Unlock()
	})

	p, err := f.disp.Publish(context.Background(), f.event())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(hook.Calls()) == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.disp.Shutdown(ctx))

	res := waitResults(t, p)
	assert.Equal(t, StateCancelled, res[0].State)
	assert.Len(t, res[0].Attempts, 1)
	mu.Lock()
	assert.Len(t, observed, 1)
	mu.Unlock()

	_, err = f.disp.Publish(context.Background(), f.event())
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestShutdownWaitsForLoopsStartedConcurrently(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)

	var (
		mu      sync.Mutex
		started []*Dispatch
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := f.disp.Publish(context.Background(), f.event())
			if err != nil {
				assert.ErrorIs(t, err, ErrDispatcherClosed)
				return
			}
			mu.Lock()
			started = append(started, p)
			mu.Unlock()
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.disp.Shutdown(ctx))
	wg.Wait()

	// any publish accepted before Shutdown returned has already finished
	mu.Lock()
	defer mu.Unlock()
	for _, p := range started {
		select {
		case <-p.Done():
		default:
			t.Fatalf("dispatch %s still running after shutdown", p.EventID)
		}
	}
}

func TestCallerCancellationYieldsCancelled(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := f.disp.Publish(ctx, f.event())
	require.NoError(t, err)
	res := waitResults(t, p)
	assert.Equal(t, StateCancelled, res[0].State)
	assert.Empty(t, hook.Calls())
}

func TestDeliverRestrictsToIDs(t *testing.T) {
	f := newFixture(t)
	a := newHookServer(t, 200)
	b := newHookServer(t, 200)
	f.subscribe(t, a.URL, 1, 0)
	sb := f.subscribe(t, b.URL, 1, 0)

	p, err := f.disp.Deliver(context.Background(), f.event(), []string{sb.ID, "missing"})
	require.NoError(t, err)
	res := waitResults(t, p)
	require.Len(t, res, 1)
	assert.Equal(t, sb.ID, res[0].SubscriptionID)
	assert.Empty(t, a.Calls())
	assert.Len(t, b.Calls(), 1)
}
