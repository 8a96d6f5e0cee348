package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"paynotify/internal/model"
	"paynotify/internal/registry"
)

// subscriptionView is the API form of a subscription. Secret is only filled
// on create.
type subscriptionView struct {
	model.Subscription
	Secret string `json:"secret,omitempty"`
}

// CreateSubscriptionHandler handles POST /v1/subscriptions
func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	sub, err := s.Registry.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, "Create subscription failed", err)
		return
	}
	s.Log.Info("subscription created", zap.String("subscription_id", sub.ID), zap.String("target_url", sub.TargetURL))
	writeJSON(w, http.StatusCreated, subscriptionView{Subscription: sub, Secret: sub.Secret})
}

// ListSubscriptionsHandler handles GET /v1/subscriptions[?active=true]
func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	var (
		subs []model.Subscription
		err  error
	)
	if activeOnly {
		subs, err = s.Registry.ListActive(r.Context())
	} else {
		subs, err = s.Registry.ListAll(r.Context())
	}
	if err != nil {
		writeError(w, r, "List subscriptions failed", err)
		return
	}
	items := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		items = append(items, subscriptionView{Subscription: sub})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Get subscription failed", err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView{Subscription: sub})
}

// UpdateSubscriptionHandler handles PATCH /v1/subscriptions/{id}
func (s *Server) UpdateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var patch model.SubscriptionPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	sub, err := s.Registry.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, "Update subscription failed", err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView{Subscription: sub})
}

func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Registry.Delete(r.Context(), id); err != nil {
		writeError(w, r, "Delete subscription failed", err)
		return
	}
	s.Log.Info("subscription deleted", zap.String("subscription_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// RotateSecretHandler handles POST /v1/subscriptions/{id}/rotate-secret
func (s *Server) RotateSecretHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	secret, err := s.Registry.RotateSecret(r.Context(), id)
	if err != nil {
		writeError(w, r, "Rotate secret failed", err)
		return
	}
	s.Log.Info("subscription secret rotated", zap.String("subscription_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "secret": secret})
}

// PaymentEventHandler handles POST /v1/payments/{id}/events. The body is the
// payment snapshot after its status transition.
func (s *Server) PaymentEventHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	pay, err := req.payment(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid payment", err.Error(), r.URL.Path)
		return
	}
	pub, err := s.Publisher.Publish(r.Context(), pay, r.Header.Get("X-Correlation-Id"))
	if err != nil {
		writeError(w, r, "Publish failed", err)
		return
	}
	if pub == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"published": false, "status": pay.Status})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"published": true, "eventId": pub.EventID, "mode": pub.Mode})
}

// DLQListHandler handles GET /v1/admin/dlq?limit=
func (s *Server) DLQListHandler(w http.ResponseWriter, r *http.Request) {
	if s.DLQ == nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "no durable buffer configured", r.URL.Path)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	items, err := s.DLQ.InspectDLQ(r.Context(), limit)
	if err != nil {
		writeError(w, r, "Inspect DLQ failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// DLQReplayHandler handles POST /v1/admin/dlq/replay
func (s *Server) DLQReplayHandler(w http.ResponseWriter, r *http.Request) {
	if s.DLQ == nil {
		writeProblem(w, http.StatusNotFound, "Not Found", "no durable buffer configured", r.URL.Path)
		return
	}
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	n, err := s.DLQ.ReplayDLQ(r.Context(), req.Limit)
	if err != nil {
		writeError(w, r, "Replay DLQ failed", err)
		return
	}
	s.Log.Info("dlq replayed", zap.Int("replayed", n))
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(ctx context.Context) error }
	checks := []pinger{s.Store}
	if p, ok := s.Broker.(pinger); ok {
		checks = append(checks, p)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	for _, c := range checks {
		if c == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
