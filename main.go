package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"payment-reconciler/internal/api"
	"payment-reconciler/internal/booking"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/db"
	"payment-reconciler/internal/event"
	"payment-reconciler/internal/failure"
	"payment-reconciler/internal/kafka"
	"payment-reconciler/internal/ledger"
	"payment-reconciler/internal/logging"
	"payment-reconciler/internal/metrics"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/poller"
	"payment-reconciler/internal/provider"
	"payment-reconciler/internal/reconciler"
	"payment-reconciler/internal/retry"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	cfg := config.MustLoadConfig("./config")

	logger := logging.GetLogger(cfg.Logs)
	slog.SetDefault(logger)

	metrics.Setup(cfg.Metrics)

	connStr := db.ConnString(cfg.Database)
	db.RunMigrations(connStr, "./migrations")

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	payments := db.NewPaymentRepository(dbpool)
	polls := db.NewPollRepository(dbpool)
	discrepancies := db.NewReconciliationRepository(dbpool)
	failures := db.NewFailureRepository(dbpool)
	outbox := db.NewOutboxRepository(dbpool)

	bookingClient := booking.NewClient(cfg.Booking, logger)
	providerClient := provider.NewClient(cfg.Provider, retry.DefaultPolicy(), logger)

	normalizer := event.NewNormalizer(logger)
	linker := ledger.NewLinker(payments, logger)
	writer := ledger.NewWriter(payments, outbox, bookingClient, logger)
	pipeline := ledger.NewProcessor(normalizer, linker, writer, payments, logger)

	recorder := failure.NewRecorder(failures, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner := poller.NewScanner(polls, payments, providerClient, pipeline, recorder, cfg.Poller, logger)
	go scanner.Start(ctx)

	statusReconciler := reconciler.NewReconciler(payments, discrepancies, providerClient, pipeline,
		normalizer, recorder, cfg.Reconciler, logger)
	go statusReconciler.Start(ctx)

	kafkaWriter := kafka.NewWriter(cfg.Kafka)
	defer kafkaWriter.Close()

	producer := notify.NewProducer(outbox, kafkaWriter, cfg.Notifier, logger)
	producer.Start(ctx)

	handler := api.NewHandler(pipeline, payments, polls, discrepancies, providerClient, recorder,
		cfg.Provider, cfg.Poller, logger)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler.Routes(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP server")
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Error shutting down HTTP server", "error", err)
		}
	}()

	logger.Info("Starting HTTP server", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
