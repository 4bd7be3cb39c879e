package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"finquest/internal/aggregate"
	"finquest/internal/amqp"
	"finquest/internal/config"
	"finquest/internal/log"
	"finquest/internal/notify"
	"finquest/internal/sheets"
	"finquest/internal/storage"
	"finquest/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := log.New(log.Config{
		Level:     log.DefaultConfig().Level,
		Component: log.ComponentWorker,
	})
	log.SetDefault(logger)

	logger.Info("starting finquest-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("storage initialization failed", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange,
		[]string{cfg.AMQPEventQueue, cfg.AMQPDispatchQueue, cfg.AMQPSessionQueue}, logger)
	if err != nil {
		logger.Error("AMQP initialization failed", log.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	var sink notify.Sink
	if cfg.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.WebhookURL, cfg.DispatchTimeout)
	} else {
		sink = notify.NewLogSink(logger)
	}
	dispatcher := notify.NewDispatcher(repo, sink,
		cfg.DispatchMaxAttempts, cfg.DispatchBaseBackoff, cfg.DispatchTimeout, logger)

	// Reconciliation export is optional; failed alerts stay queryable
	// either way.
	var exporter sheets.FailureWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := sheets.New(context.Background(), sheets.Options{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleCredentialsJSON,
			CredentialsFile: cfg.GoogleCredentialsFile,
		})
		if err != nil {
			logger.Error("sheets initialization failed", log.FieldError, err)
			os.Exit(1)
		}
		exporter = client
		logger.Info("reconciliation export enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("reconciliation export disabled")
	}

	w := worker.NewDispatchWorker(
		amqpClient,
		dispatcher,
		aggregate.NewStore(repo, logger),
		repo,
		exporter,
		worker.Config{
			DispatchQueue:     cfg.AMQPDispatchQueue,
			SessionQueue:      cfg.AMQPSessionQueue,
			BatchSize:         cfg.DispatchBatchSize,
			RecomputeInterval: cfg.RecomputeInterval,
			ExportInterval:    cfg.DispatchInterval,
			RetentionDays:     cfg.DispatchRetentionDays,
		},
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		logger.Error("worker start failed", log.FieldError, err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		logger.Error("worker stop error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("worker stopped gracefully")
}
