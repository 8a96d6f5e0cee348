// Package registry manages webhook subscriptions: creation with a generated
// signing secret, partial updates, secret rotation and active listings.
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"paynotify/internal/model"
	"paynotify/internal/store"
)

const (
	secretBytes     = 32
	maxTargetURLLen = 1000
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid subscription")

// ErrNotFound is returned for unknown subscription ids.
var ErrNotFound = store.ErrNotFound

// Defaults are applied to new subscriptions.
type Defaults struct {
	MaxRetries       int
	BackoffBaseMs    int
	RequestTimeoutMs int
}

func DefaultDefaults() Defaults {
	return Defaults{MaxRetries: 3, BackoffBaseMs: 1000, RequestTimeoutMs: 5000}
}

type Registry struct {
	store    store.Store
	defaults Defaults
	now      func() time.Time

	// mu serializes mutations so a patch and a rotation of the same
	// subscription cannot interleave.
	mu sync.Mutex

	rngMu sync.Mutex
	rng   io.Reader
}

// New builds a registry. rng must be a cryptographically secure source
// (crypto/rand.Reader in production).
func New(st store.Store, rng io.Reader, d Defaults) *Registry {
	if d.MaxRetries < 1 {
		d.MaxRetries = 1
	}
	return &Registry{store: st, rng: rng, defaults: d, now: time.Now}
}

// CreateRequest carries the fields accepted on creation. Absent policy values
// take the registry defaults; an explicit 0 backoff or timeout is kept.
type CreateRequest struct {
	Name             string   `json:"name"`
	TargetURL        string   `json:"targetUrl"`
	EventTypes       []string `json:"eventTypes"`
	MaxRetries       *int     `json:"maxRetries,omitempty"`
	BackoffBaseMs    *int     `json:"backoffBaseMs,omitempty"`
	RequestTimeoutMs *int     `json:"requestTimeoutMs,omitempty"`
}

// Create stores a new active subscription. The returned value carries the
// secret; it is the only time the caller sees it besides RotateSecret.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (model.Subscription, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return model.Subscription{}, fmt.Errorf("%w: name required", ErrInvalid)
	}
	if err := validateTargetURL(req.TargetURL); err != nil {
		return model.Subscription{}, err
	}
	types := model.NewEventTypeSet(req.EventTypes...)
	if len(types) == 0 {
		return model.Subscription{}, fmt.Errorf("%w: at least one event type required", ErrInvalid)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 1 {
		return model.Subscription{}, fmt.Errorf("%w: maxRetries must be at least 1", ErrInvalid)
	}
	if isNegative(req.BackoffBaseMs) || isNegative(req.RequestTimeoutMs) {
		return model.Subscription{}, fmt.Errorf("%w: delivery policy values must not be negative", ErrInvalid)
	}
	secret, err := r.newSecret()
	if err != nil {
		return model.Subscription{}, err
	}
	now := r.now().UTC()
	s := model.Subscription{
		ID:               uuid.NewString(),
		Name:             name,
		TargetURL:        strings.TrimSpace(req.TargetURL),
		EventTypes:       types,
		Secret:           secret,
		Active:           true,
		MaxRetries:       orDefault(req.MaxRetries, r.defaults.MaxRetries),
		BackoffBaseMs:    orDefault(req.BackoffBaseMs, r.defaults.BackoffBaseMs),
		RequestTimeoutMs: orDefault(req.RequestTimeoutMs, r.defaults.RequestTimeoutMs),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateSubscription(ctx, s); err != nil {
		return model.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	return s, nil
}

func (r *Registry) Get(ctx context.Context, id string) (model.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

// Update applies a partial update. Only present fields overwrite, and numeric
// policy fields only when positive.
func (r *Registry) Update(ctx context.Context, id string, p model.SubscriptionPatch) (model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return model.Subscription{}, err
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
		s.Name = strings.TrimSpace(*p.Name)
	}
	if p.TargetURL != nil {
		if err := validateTargetURL(*p.TargetURL); err != nil {
			return model.Subscription{}, err
		}
		s.TargetURL = strings.TrimSpace(*p.TargetURL)
	}
	if p.EventTypes != nil {
		types := model.NewEventTypeSet(p.EventTypes...)
		if len(types) == 0 {
			return model.Subscription{}, fmt.Errorf("%w: at least one event type required", ErrInvalid)
		}
		s.EventTypes = types
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.MaxRetries != nil && *p.MaxRetries > 0 {
		s.MaxRetries = *p.MaxRetries
	}
	if p.BackoffBaseMs != nil && *p.BackoffBaseMs > 0 {
		s.BackoffBaseMs = *p.BackoffBaseMs
	}
	if p.RequestTimeoutMs != nil && *p.RequestTimeoutMs > 0 {
		s.RequestTimeoutMs = *p.RequestTimeoutMs
	}
	s.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSubscription(ctx, s); err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

// Delete removes the subscription permanently.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.DeleteSubscription(ctx, id)
}

// RotateSecret replaces the signing secret and returns the new one. Sends
// started after this call are signed with the new secret only.
func (r *Registry) RotateSecret(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	secret, err := r.newSecret()
	if err != nil {
		return "", err
	}
	if err := r.store.SetSecret(ctx, id, secret, r.now().UTC()); err != nil {
		return "", err
	}
	return secret, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]model.Subscription, error) {
	return r.store.ListSubscriptions(ctx, true)
}

func (r *Registry) ListAll(ctx context.Context) ([]model.Subscription, error) {
	return r.store.ListSubscriptions(ctx, false)
}

// Interested returns the active subscriptions that accept event type t.
func (r *Registry) Interested(ctx context.Context, t model.EventType) ([]model.Subscription, error) {
	subs, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, s := range subs {
		if s.Active && s.Supports(t) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Registry) newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	r.rngMu.Lock()
	_, err := io.ReadFull(r.rng, buf)
	r.rngMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validateTargetURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: targetUrl required", ErrInvalid)
	}
	if utf8.RuneCountInString(raw) > maxTargetURLLen {
		return fmt.Errorf("%w: targetUrl longer than %d characters", ErrInvalid, maxTargetURLLen)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: targetUrl must be an absolute http(s) url", ErrInvalid)
	}
	return nil
}

func orDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func isNegative(v *int) bool { return v != nil && *v < 0 }
