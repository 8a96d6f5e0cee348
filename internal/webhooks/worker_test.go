package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paynotify/internal/buffer"
	"paynotify/internal/model"
)

func TestRelayAcksWhenAllDelivered(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)
	mem := buffer.NewMemory(nil)
	r := NewRelay(mem, mem, mem, f.disp, zap.NewNop())

	err := r.Handle(context.Background(), model.Envelope{Event: f.event()})
	require.NoError(t, err)
	assert.Len(t, hook.Calls(), 1)
	queued, dead := mem.Len()
	assert.Zero(t, queued)
	assert.Zero(t, dead)
}

func TestRelayDeadLettersOnlyExhaustedSubscribers(t *testing.T) {
	f := newFixture(t)
	bad := newHookServer(t, 500)
	good := newHookServer(t, 200)
	badSub := f.subscribe(t, bad.URL, 2, 0)
	f.subscribe(t, good.URL, 2, 0)
	mem := buffer.NewMemory(nil)
	r := NewRelay(mem, mem, mem, f.disp, zap.NewNop())

	require.NoError(t, r.Handle(context.Background(), model.Envelope{Event: f.event()}))

	dlq, err := mem.InspectDLQ(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, []string{badSub.ID}, dlq[0].SubscriptionIDs)
	assert.Equal(t, "delivery exhausted", dlq[0].LastError)
	assert.Len(t, good.Calls(), 1)
}

type failingDeadLetter struct{ calls int }

func (f *failingDeadLetter) DeadLetter(context.Context, model.Envelope, string) error {
	f.calls++
	return errors.New("broker unavailable")
}

func TestRelayRejectsWhenDeadLetterFails(t *testing.T) {
	f := newFixture(t)
	bad := newHookServer(t, 500)
	f.subscribe(t, bad.URL, 1, 0)
	mem := buffer.NewMemory(nil)
	dl := &failingDeadLetter{}
	r := NewRelay(mem, dl, mem, f.disp, zap.NewNop())

	err := r.Handle(context.Background(), model.Envelope{Event: f.event()})
	require.Error(t, err)
	assert.NotErrorIs(t, err, buffer.ErrRequeue)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.Equal(t, 1, dl.calls)
}

func TestRelayReplayTargetsRestrictedSubscribers(t *testing.T) {
	f := newFixture(t)
	a := newHookServer(t, 200)
	b := newHookServer(t, 200)
	f.subscribe(t, a.URL, 1, 0)
	sb := f.subscribe(t, b.URL, 1, 0)
	mem := buffer.NewMemory(nil)
	r := NewRelay(mem, mem, mem, f.disp, zap.NewNop())

	env := model.Envelope{Event: f.event(), SubscriptionIDs: []string{sb.ID}}
	require.NoError(t, r.Handle(context.Background(), env))
	assert.Empty(t, a.Calls())
	assert.Len(t, b.Calls(), 1)
}

func TestRelayRequeuesWhenCancelled(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)
	mem := buffer.NewMemory(nil)
	r := NewRelay(mem, mem, mem, f.disp, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Handle(ctx, model.Envelope{Event: f.event()})
	assert.ErrorIs(t, err, buffer.ErrRequeue)
}

func TestRelayRequeuesAfterDispatcherShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.disp.Shutdown(context.Background()))
	mem := buffer.NewMemory(nil)
	r := NewRelay(mem, mem, mem, f.disp, zap.NewNop())

	err := r.Handle(context.Background(), model.Envelope{Event: f.event()})
	assert.ErrorIs(t, err, buffer.ErrRequeue)
}

func TestRelayStartDrainsBuffer(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)
	mem := buffer.NewMemory(nil)
	r := NewRelay(mem, mem, mem, f.disp, zap.NewNop())
	r.Start()
	defer close(r.Stop)

	require.NoError(t, mem.Enqueue(context.Background(), model.Envelope{Event: f.event()}))
	require.Eventually(t, func() bool { return len(hook.Calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

type erroringSource struct{ calls chan struct{} }

func (s *erroringSource) Consume(ctx context.Context, h buffer.Handler) error {
	s.calls <- struct{}{}
	return errors.New("connection reset")
}

func TestRelayRestartsConsumerAfterError(t *testing.T) {
	f := newFixture(t)
	src := &erroringSource{calls: make(chan struct{}, 4)}
	mem := buffer.NewMemory(nil)
	r := NewRelay(src, mem, nil, f.disp, zap.NewNop())
	r.RestartDelay = time.Millisecond
	r.Start()
	defer close(r.Stop)

	for i := 0; i < 2; i++ {
		select {
		case <-src.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("consumer was not restarted")
		}
	}
}
