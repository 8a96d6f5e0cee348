package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paynotify/internal/buffer"
	"paynotify/internal/config"
	"paynotify/internal/metrics"
	"paynotify/internal/registry"
	"paynotify/internal/store"
	"paynotify/internal/webhooks"
)

type Server struct {
	Store     store.Store
	Registry  *registry.Registry
	Publisher *webhooks.Publisher
	// DLQ is nil when no durable buffer is configured.
	DLQ    buffer.DLQ
	Broker EventBroker
	Config config.Config
	Log    *zap.Logger

	limiter *rate.Limiter
}

// NewServer wires handlers over already-built collaborators.
func NewServer(st store.Store, reg *registry.Registry, pub *webhooks.Publisher, dlq buffer.DLQ, broker EventBroker, cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if broker == nil {
		broker = NewBroker()
	}
	s := &Server{Store: st, Registry: reg, Publisher: pub, DLQ: dlq, Broker: broker, Config: cfg, Log: log}
	if cfg.HTTP.RateRPS > 0 {
		burst := cfg.HTTP.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.HTTP.RateRPS), burst)
	}
	return s
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(requestMetrics)

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.CreateSubscriptionHandler)
			r.Get("/", s.ListSubscriptionsHandler)
			r.Get("/{id}", s.GetSubscriptionHandler)
			r.Patch("/{id}", s.UpdateSubscriptionHandler)
			r.Delete("/{id}", s.DeleteSubscriptionHandler)
			r.Post("/{id}/rotate-secret", s.RotateSecretHandler)
		})
		r.Post("/payments/{id}/events", s.PaymentEventHandler)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/dlq", s.DLQListHandler)
			r.Post("/dlq/replay", s.DLQReplayHandler)
			r.Get("/deliveries/stream", s.DeliveryStreamHandler)
			r.Get("/debug", s.DebugJSON)
		})
	})
	return r
}
