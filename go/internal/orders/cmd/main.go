package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/mcdev12/storefront/go/internal/config"
	"github.com/mcdev12/storefront/go/internal/httpserver"
	"github.com/mcdev12/storefront/go/internal/logging"
	"github.com/mcdev12/storefront/go/internal/metrics"
	"github.com/mcdev12/storefront/go/internal/orders"
	"github.com/mcdev12/storefront/go/internal/publisher"
	"github.com/prometheus/client_golang/prometheus"
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
	logging.Setup(cfg.Log, "order-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	repo := orders.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure orders schema")
	}

	reg := prometheus.NewRegistry()
	mc := metrics.NewPrometheus(reg)

	// Never fails: an unreachable broker yields a degraded publisher and
	// orders keep being accepted.
	pub := publisher.New(ctx, publisher.Config{
		URL:             cfg.NATS.URL,
		StreamName:      cfg.NATS.StreamName,
		SubjectPrefix:   cfg.NATS.SubjectPrefix,
		MaxReconnects:   cfg.NATS.MaxReconnects,
		ReconnectWait:   cfg.NATS.ReconnectWait,
		ConnectTimeout:  cfg.NATS.ConnectTimeout,
		PublishTimeout:  cfg.NATS.PublishTimeout,
		MaxAge:          cfg.NATS.MaxAge,
		Replicas:        cfg.NATS.Replicas,
		DuplicateWindow: cfg.NATS.DuplicateWindow,
	}, mc)
	defer pub.Close()

	products := orders.NewProductClient(cfg.ProductService.URL, cfg.ProductService.Timeout)
	app := orders.NewApp(repo, products, pub)

	health := metrics.NewHealthChecker(3 * time.Second)
	health.AddProbe("database", pool.Ping)
	health.AddDetail("event_publisher", func() any {
		if pub.Degraded() {
			return "degraded"
		}
		if !pub.Connected() {
			return "reconnecting"
		}
		return "connected"
	})

	mux := http.NewServeMux()
	orders.NewService(app, validator.New()).RegisterRoutes(mux)
	mux.Handle("GET /health", health)
	mux.Handle("GET /metrics", metrics.Handler(reg))

	server := httpserver.New(httpserver.Config{
		Addr:         ":" + cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, mux)

	go func() {
		log.Info().Str("addr", server.Addr).Bool("publisher_degraded", pub.Degraded()).Msg("order service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down order service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("order service shutdown complete")
}
