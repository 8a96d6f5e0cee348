package store

import (
	"context"
	"errors"
	"time"

	"paynotify/internal/model"
)

// Store is the subscription persistence interface used by the registry.
type Store interface {
	CreateSubscription(ctx context.Context, s model.Subscription) error
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	// UpdateSubscription replaces the stored record with the same id, except
	// for the secret, which only SetSecret writes.
	UpdateSubscription(ctx context.Context, s model.Subscription) error
	SetSecret(ctx context.Context, id, secret string, updatedAt time.Time) error
	DeleteSubscription(ctx context.Context, id string) error
	// ListSubscriptions returns subscriptions ordered by creation time.
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]model.Subscription, error)
	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")
