package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"paynotify/internal/model"
)

// ErrEncode marks a payload that could not be serialized. It indicates a
// schema defect and is never retried.
var ErrEncode = errors.New("encode event payload")

// EventBuilder maps finalized payments to event payloads.
type EventBuilder struct {
	// TimelineBaseURL, when set, yields timelineUrl = <base>/payments/<id>/timeline.
	TimelineBaseURL string

	Now   func() time.Time
	NewID func() string
}

func NewEventBuilder(timelineBaseURL string) *EventBuilder {
	return &EventBuilder{TimelineBaseURL: strings.TrimRight(timelineBaseURL, "/"), Now: time.Now, NewID: uuid.NewString}
}

// Build returns a PAYMENT_FINALIZED event for p. Only eventId and occurredAt
// vary between calls for the same payment.
func (b *EventBuilder) Build(p model.Payment, correlationID string) model.Event {
	now, newID := b.Now, b.NewID
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	evt := model.Event{
		EventType:   model.EventPaymentFinalized,
		EventID:     newID(),
		PaymentID:   p.ID,
		UserID:      p.UserID,
		ProviderID:  p.ProviderID,
		AmountTotal: p.AmountTotal,
		Currency:    p.Currency,
		FinalStatus: p.Status,
		OccurredAt:  now().UTC(),
		Metadata:    map[string]string{},
	}
	if c := strings.TrimSpace(correlationID); c != "" {
		evt.CorrelationID = &c
	}
	if b.TimelineBaseURL != "" && p.ID != "" {
		u := b.TimelineBaseURL + "/payments/" + p.ID + "/timeline"
		evt.TimelineURL = &u
	}
	if !p.CreatedAt.IsZero() {
		evt.Metadata["createdAt"] = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !p.UpdatedAt.IsZero() {
		evt.Metadata["updatedAt"] = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if p.GatewayTransactionID != "" {
		evt.Metadata["gatewayTransactionId"] = p.GatewayTransactionID
	}
	return evt
}

// Encode produces the canonical body. The result is what gets signed and
// sent; callers must not re-encode.
func Encode(evt model.Event) ([]byte, error) {
	if evt.Metadata == nil {
		evt.Metadata = map[string]string{}
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return body, nil
}
