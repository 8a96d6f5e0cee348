package api

import (
	"strings"
	"sync"

	"paynotify/internal/webhooks"
)

// TopicAll carries every delivery result; per-subscription topics carry only
// that subscription's results.
const TopicAll = "all"

func SubscriptionTopic(id string) string { return "sub:" + id }

// StreamEvent is one message on the delivery stream.
type StreamEvent struct {
	Type   string          `json:"type"`
	Result webhooks.Result `json:"result"`
}

type EventBroker interface {
	Subscribe(topic string) chan StreamEvent
	Unsubscribe(topic string, ch chan StreamEvent)
	Publish(topic string, evt StreamEvent)
}

// Broker is the in-process EventBroker. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan StreamEvent]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan StreamEvent]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan StreamEvent {
	ch := make(chan StreamEvent, 8)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan StreamEvent]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// PublishResult fans a terminal delivery result out to stream listeners. It is
// registered as a dispatcher observer.
func (s *Server) PublishResult(res webhooks.Result) {
	evt := StreamEvent{Type: "delivery." + strings.ToLower(string(res.State)), Result: res}
	s.Broker.Publish(TopicAll, evt)
	s.Broker.Publish(SubscriptionTopic(res.SubscriptionID), evt)
}
