package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"paynotify/internal/api"
	"paynotify/internal/buffer"
	"paynotify/internal/buildinfo"
	"paynotify/internal/config"
	"paynotify/internal/logging"
	"paynotify/internal/metrics"
	"paynotify/internal/registry"
	"paynotify/internal/store"
	"paynotify/internal/webhooks"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAYNOTIFY_CONFIG"), "path to YAML config file")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *version {
		fmt.Println(buildinfo.String())
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "paynotify:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(st, rand.Reader, registry.Defaults{
		MaxRetries:       cfg.Subscriptions.MaxRetries,
		BackoffBaseMs:    cfg.Subscriptions.BackoffBaseMs,
		RequestTimeoutMs: cfg.Subscriptions.RequestTimeoutMs,
	})
	client := webhooks.NewDeliveryClient(cfg.ConnectTimeout(), cfg.RequestTimeout())
	disp := webhooks.NewDispatcher(reg, client, log.Named("dispatcher"))

	buf, dlq, relay, closeBuf, err := openBuffer(cfg, disp, log)
	if err != nil {
		return err
	}
	defer closeBuf()

	builder := webhooks.NewEventBuilder(cfg.Delivery.TimelineBaseURL)
	pub := webhooks.NewPublisher(builder, disp, buf, webhooks.Mode(cfg.Delivery.Mode), log.Named("publisher"))

	var broker api.EventBroker
	if cfg.Redis.URL != "" {
		rb, err := api.NewRedisBroker(cfg.Redis.URL, log.Named("broker"))
		if err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		defer func() { _ = rb.Close() }()
		broker = rb
	}

	srv := api.NewServer(st, reg, pub, dlq, broker, cfg, log)
	disp.OnResult(srv.PublishResult)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if relay != nil {
		relay.Start()
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", zap.String("addr", cfg.HTTP.Addr), zap.String("version", buildinfo.Version), zap.String("delivery_mode", cfg.Delivery.Mode))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace()))
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if relay != nil {
		close(relay.Stop)
	}
	if err := disp.Shutdown(sctx); err != nil {
		log.Warn("dispatcher shutdown", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL not set; subscriptions are kept in memory")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}

// openBuffer picks the relay's buffer: AMQP when a broker URL is set, the
// in-process Memory buffer for buffered mode without one, and none otherwise.
func openBuffer(cfg config.Config, disp *webhooks.Dispatcher, log *zap.Logger) (buffer.Buffer, buffer.DLQ, *webhooks.Relay, func(), error) {
	switch {
	case cfg.AMQP.URL != "":
		b, err := buffer.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Topology, cfg.AMQP.Prefetch, log.Named("buffer"))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		log.Info("durable buffer connected", zap.String("exchange", cfg.AMQP.Topology.Exchange))
		return b, b, webhooks.NewRelay(b, b, b, disp, log.Named("relay")), func() { _ = b.Close() }, nil
	case cfg.Delivery.Mode == string(webhooks.ModeBuffered):
		m := buffer.NewMemory(log.Named("buffer"))
		log.Warn("buffered mode without amqp.url, using in-process buffer; queued events are lost on restart")
		return m, m, webhooks.NewRelay(m, m, m, disp, log.Named("relay")), func() { _ = m.Close() }, nil
	default:
		return nil, nil, nil, func() {}, nil
	}
}
