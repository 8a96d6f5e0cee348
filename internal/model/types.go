// Package model holds the payment, subscription and event types shared by the
// registry, the dispatcher and the durable buffer.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	StatusPendingApproval PaymentStatus = "PENDING_APPROVAL"
	StatusPendingPayment  PaymentStatus = "PENDING_PAYMENT"
	StatusApproved        PaymentStatus = "APPROVED"
	StatusCompleted       PaymentStatus = "COMPLETED"
	StatusRejected        PaymentStatus = "REJECTED"
	StatusCancelled       PaymentStatus = "CANCELLED"
	StatusExpired         PaymentStatus = "EXPIRED"
)

// IsFinal reports whether no further status transition is expected.
//
// APPROVED is final even though a payment may later move to COMPLETED, so a
// payment that goes APPROVED -> COMPLETED is published twice. Receivers
// deduplicate on eventId.
func (s PaymentStatus) IsFinal() bool {
	switch s {
	case StatusApproved, StatusCompleted, StatusRejected, StatusCancelled, StatusExpired:
		return true
	case StatusPendingApproval, StatusPendingPayment:
		return false
	default:
		return false
	}
}

// ParsePaymentStatus accepts any casing of a known status.
func ParsePaymentStatus(v string) (PaymentStatus, error) {
	s := PaymentStatus(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StatusPendingApproval, StatusPendingPayment, StatusApproved, StatusCompleted,
		StatusRejected, StatusCancelled, StatusExpired:
		return s, nil
	}
	return "", fmt.Errorf("unknown payment status %q", v)
}

// Payment is the finalized payment record handed to the publisher.
type Payment struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"userId"`
	ProviderID           string          `json:"providerId"`
	AmountTotal          decimal.Decimal `json:"amountTotal"`
	Currency             string          `json:"currency"`
	Status               PaymentStatus   `json:"status"`
	GatewayTransactionID string          `json:"gatewayTransactionId,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// EventType names a kind of published event.
type EventType string

const (
	EventPaymentFinalized EventType = "PAYMENT_FINALIZED"
)

// EventTypeSet is a set of event-type tags. Keys are trimmed and upper-cased
// so membership is case-insensitive.
type EventTypeSet map[string]struct{}

// NewEventTypeSet builds a set from tags, dropping blanks and duplicates.
func NewEventTypeSet(tags ...string) EventTypeSet {
	set := EventTypeSet{}
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// ParseEventTypeList reads the comma-delimited storage form ("a, B,c").
func ParseEventTypeList(list string) EventTypeSet {
	return NewEventTypeSet(strings.Split(list, ",")...)
}

func normalizeTag(t string) string { return strings.ToUpper(strings.TrimSpace(t)) }

// Supports reports whether t is in the set, ignoring case.
func (s EventTypeSet) Supports(t EventType) bool {
	_, ok := s[normalizeTag(string(t))]
	return ok
}

// Slice returns the tags sorted.
func (s EventTypeSet) Slice() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// String returns the comma-delimited form.
func (s EventTypeSet) String() string { return strings.Join(s.Slice(), ",") }

func (s EventTypeSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Slice()) }

func (s *EventTypeSet) UnmarshalJSON(b []byte) error {
	var tags []string
	if err := json.Unmarshal(b, &tags); err != nil {
		return err
	}
	*s = NewEventTypeSet(tags...)
	return nil
}

// Subscription is a registered receiver of events.
type Subscription struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	TargetURL        string       `json:"targetUrl"`
	EventTypes       EventTypeSet `json:"eventTypes"`
	Secret           string       `json:"-"`
	Active           bool         `json:"active"`
	MaxRetries       int          `json:"maxRetries"`
	BackoffBaseMs    int          `json:"backoffBaseMs"`
	RequestTimeoutMs int          `json:"requestTimeoutMs"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Supports reports whether the subscription accepts events of type t.
func (s Subscription) Supports(t EventType) bool { return s.EventTypes.Supports(t) }

// Clone returns a copy that shares no mutable state with s.
func (s Subscription) Clone() Subscription {
	c := s
	c.EventTypes = NewEventTypeSet(s.EventTypes.Slice()...)
	return c
}

// SubscriptionPatch is a partial update. Nil pointers and non-positive
// numbers leave the stored value untouched.
type SubscriptionPatch struct {
	Name             *string  `json:"name,omitempty"`
	TargetURL        *string  `json:"targetUrl,omitempty"`
	EventTypes       []string `json:"eventTypes,omitempty"`
	Active           *bool    `json:"active,omitempty"`
	MaxRetries       *int     `json:"maxRetries,omitempty"`
	BackoffBaseMs    *int     `json:"backoffBaseMs,omitempty"`
	RequestTimeoutMs *int     `json:"requestTimeoutMs,omitempty"`
}

// Event is the immutable payload delivered to subscribers. Field order is the
// wire order and must not change: receivers verify signatures over the exact
// bytes. Optional values are encoded as explicit nulls.
type Event struct {
	EventType     EventType         `json:"eventType"`
	EventID       string            `json:"eventId"`
	CorrelationID *string           `json:"correlationId"`
	PaymentID     string            `json:"paymentId"`
	UserID        string            `json:"userId"`
	ProviderID    string            `json:"providerId"`
	AmountTotal   decimal.Decimal   `json:"amountTotal"`
	Currency      string            `json:"currency"`
	FinalStatus   PaymentStatus     `json:"finalStatus"`
	OccurredAt    time.Time         `json:"occurredAt"`
	TimelineURL   *string           `json:"timelineUrl"`
	Metadata      map[string]string `json:"metadata"`
}

// Correlation returns the correlation id or "".
func (e Event) Correlation() string {
	if e.CorrelationID == nil {
		return ""
	}
	return *e.CorrelationID
}

// Envelope is the unit carried by the durable buffer. When SubscriptionIDs is
// non-empty delivery is restricted to those subscriptions.
type Envelope struct {
	Event           Event     `json:"event"`
	SubscriptionIDs []string  `json:"subscriptionIds,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
}
