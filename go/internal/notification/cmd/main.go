package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mcdev12/storefront/go/internal/config"
	"github.com/mcdev12/storefront/go/internal/consumer"
	"github.com/mcdev12/storefront/go/internal/httpserver"
	"github.com/mcdev12/storefront/go/internal/hub"
	"github.com/mcdev12/storefront/go/internal/logging"
	"github.com/mcdev12/storefront/go/internal/mailer"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/mcdev12/storefront/go/internal/notification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Log, "notification-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	repo := notification.NewRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure notification schema")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewPrometheus(reg)

	clock := clockwork.NewRealClock()
	h := hub.New(hub.Config{
		IdleTimeout:   cfg.Hub.IdleTimeout,
		SweepInterval: cfg.Hub.SweepInterval,
	}, clock, mc)
	go h.Run(ctx)

	renderer, err := mailer.NewRenderer()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load email templates")
	}
	sender := mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:          cfg.SMTP.Host,
		Port:          cfg.SMTP.Port,
		Username:      cfg.SMTP.Username,
		Password:      cfg.SMTP.Password,
		From:          cfg.SMTP.From,
		Timeout:       cfg.SMTP.Timeout,
		RatePerSecond: cfg.SMTP.RatePerSecond,
		Burst:         cfg.SMTP.Burst,
	})

	app := notification.NewApp(repo, mailer.New(renderer, sender, mc), h, mc)

	eventConsumer := consumer.New(consumer.Config{
		URL:             cfg.NATS.URL,
		StreamName:      cfg.NATS.StreamName,
		ConsumerName:    cfg.NATS.ConsumerName,
		SubjectPrefix:   cfg.NATS.SubjectPrefix,
		MaxDeliver:      cfg.NATS.MaxDeliver,
		AckWait:         cfg.NATS.AckWait,
		MaxAckPending:   cfg.NATS.MaxAckPending,
		Workers:         cfg.NATS.Workers,
		MaxReconnects:   cfg.NATS.MaxReconnects,
		ReconnectWait:   cfg.NATS.ReconnectWait,
		ConnectTimeout:  cfg.NATS.ConnectTimeout,
		RetryInterval:   cfg.NATS.RetryInterval,
		HandlerTimeout:  cfg.NATS.HandlerTimeout,
		MaxAge:          cfg.NATS.MaxAge,
		Replicas:        cfg.NATS.Replicas,
		DuplicateWindow: cfg.NATS.DuplicateWindow,
	}, app, mc, clock)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := eventConsumer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer stopped with error")
		}
	}()

	health := metrics.NewHealthChecker(3 * time.Second)
	health.AddProbe("database", db.PingContext)
	health.AddProbe("nats", func(ctx context.Context) error {
		if !eventConsumer.Connected() {
			return errors.New("not connected")
		}
		return nil
	})
	health.AddProbe("consumer", func(ctx context.Context) error {
		if !eventConsumer.Running() {
			return errors.New("not running")
		}
		return nil
	})
	health.AddDetail("websocket_connections", func() any { return h.Count() })

	clientCfg := hub.DefaultClientConfig()
	clientCfg.WriteTimeout = cfg.Hub.WriteTimeout
	clientCfg.ReadTimeout = cfg.Hub.IdleTimeout
	clientCfg.PingInterval = cfg.Hub.IdleTimeout / 2
	clientCfg.MaxMessageSize = cfg.Hub.MaxMessageSize
	clientCfg.SendBuffer = cfg.Hub.SendBuffer

	mux := http.NewServeMux()
	notification.NewService(app, validator.New()).RegisterRoutes(mux)
	hub.NewHandler(h, clientCfg).RegisterRoutes(mux)
	mux.Handle("GET /health", health)
	mux.Handle("GET /metrics", metrics.Handler(reg))

	server := httpserver.New(httpserver.Config{
		Addr:         ":" + cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, mux)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("notification service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down notification service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("event consumer did not stop in time")
	}
	log.Info().Msg("notification service shutdown complete")
}
