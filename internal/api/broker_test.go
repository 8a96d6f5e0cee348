package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paynotify/internal/webhooks"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(TopicAll)
	evt := StreamEvent{Type: "delivery.delivered", Result: webhooks.Result{SubscriptionID: "s1", State: webhooks.StateDelivered}}
	b.Publish(TopicAll, evt)
	b.Publish(SubscriptionTopic("other"), evt)

	select {
	case got := <-ch:
		assert.Equal(t, evt.Type, got.Type)
		assert.Equal(t, "s1", got.Result.SubscriptionID)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(TopicAll, ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
	// second unsubscribe is a no-op
	b.Unsubscribe(TopicAll, ch)
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("t")
	for i := 0; i < 20; i++ {
		b.Publish("t", StreamEvent{Type: "x"})
	}
	assert.Equal(t, cap(ch), len(ch))
}

func TestPublishResultFansOutToTopics(t *testing.T) {
	s := NewServer(nil, nil, nil, nil, nil, testConfig(), nil)
	all := s.Broker.Subscribe(TopicAll)
	one := s.Broker.Subscribe(SubscriptionTopic("s1"))
	s.PublishResult(webhooks.Result{SubscriptionID: "s1", State: webhooks.StateExhausted})

	for _, ch := range []chan StreamEvent{all, one} {
		select {
		case got := <-ch:
			assert.Equal(t, "delivery.exhausted", got.Type)
		case <-time.After(200 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestRedisBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedisBroker("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	require.NoError(t, b.Ping(context.Background()))

	ch := b.Subscribe(SubscriptionTopic("s1"))
	b.Publish(SubscriptionTopic("s1"), StreamEvent{Type: "delivery.delivered", Result: webhooks.Result{SubscriptionID: "s1", EventID: "e1"}})

	select {
	case got := <-ch:
		assert.Equal(t, "delivery.delivered", got.Type)
		assert.Equal(t, "e1", got.Result.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe(SubscriptionTopic("s1"), ch)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBrokerBadURL(t *testing.T) {
	_, err := NewRedisBroker("not-a-url", nil)
	assert.Error(t, err)
}
