package webhooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paynotify/internal/buffer"
	"paynotify/internal/model"
)

func TestPublishNonFinalStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)
	mem := buffer.NewMemory(nil)

	for _, mode := range []Mode{ModeDirect, ModeBuffered} {
		p := NewPublisher(NewEventBuilder(""), f.disp, mem, mode, zap.NewNop())
		for _, st := range []model.PaymentStatus{model.StatusPendingApproval, model.StatusPendingPayment} {
			pub, err := p.Publish(context.Background(), testPayment(st), "")
			require.NoError(t, err)
			assert.Nil(t, pub)
		}
	}
	assert.Empty(t, hook.Calls())
	queued, _ := mem.Len()
	assert.Zero(t, queued)
}

func TestPublishDirectOutlivesCallerContext(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)
	p := NewPublisher(NewEventBuilder(""), f.disp, nil, ModeDirect, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	pub, err := p.Publish(ctx, testPayment(model.StatusCompleted), "c-1")
	cancel()
	require.NoError(t, err)
	require.NotNil(t, pub)
	assert.Equal(t, ModeDirect, pub.Mode)

	res := waitResults(t, pub.Dispatch)
	require.Len(t, res, 1)
	assert.Equal(t, StateDelivered, res[0].State)
	assert.Equal(t, pub.EventID, hook.Calls()[0].Header.Get("X-Event-Id"))
}

func TestPublishBufferedEnqueues(t *testing.T) {
	f := newFixture(t)
	hook := newHookServer(t, 200)
	f.subscribe(t, hook.URL, 1, 0)
	mem := buffer.NewMemory(nil)
	p := NewPublisher(NewEventBuilder(""), f.disp, mem, ModeBuffered, zap.NewNop())

	pub, err := p.Publish(context.Background(), testPayment(model.StatusApproved), "")
	require.NoError(t, err)
	assert.Equal(t, ModeBuffered, pub.Mode)
	assert.Nil(t, pub.Dispatch)
	assert.Empty(t, hook.Calls())
	queued, _ := mem.Len()
	assert.Equal(t, 1, queued)
}

type nackSink struct{}

func (nackSink) Enqueue(context.Context, model.Envelope) error { return buffer.ErrNacked }

func TestPublishBufferedSurfacesNack(t *testing.T) {
	f := newFixture(t)
	p := NewPublisher(NewEventBuilder(""), f.disp, nackSink{}, ModeBuffered, zap.NewNop())
	_, err := p.Publish(context.Background(), testPayment(model.StatusExpired), "")
	assert.True(t, errors.Is(err, buffer.ErrNacked))
}
