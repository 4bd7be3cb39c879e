package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"finquest/internal/aggregate"
	"finquest/internal/amqp"
	"finquest/internal/config"
	"finquest/internal/core"
	"finquest/internal/engine"
	"finquest/internal/goals"
	apphttp "finquest/internal/http"
	"finquest/internal/log"
	"finquest/internal/notify"
	"finquest/internal/progression"
	"finquest/internal/storage"
	"finquest/internal/threshold"
)

// amqpAlertPublisher hands crossings to the dispatch worker over the bus.
type amqpAlertPublisher struct {
	client *amqp.Client
	queue  string
}

func (p *amqpAlertPublisher) Publish(ctx context.Context, c core.TierCrossing) error {
	return p.client.PublishAlertDispatch(ctx, p.queue, amqp.NewAlertDispatchMessage(c))
}

// amqpSessionEnder forwards session-end signals to the dispatch worker,
// which owns the pending retries when a bus is configured.
type amqpSessionEnder struct {
	client *amqp.Client
	queue  string
	logger *log.Logger
}

func (p *amqpSessionEnder) EndSession(userID string) {
	msg := &amqp.SessionEndMessage{UserID: userID, Timestamp: time.Now()}
	if err := p.client.PublishSessionEnd(context.Background(), p.queue, msg); err != nil {
		p.logger.Error("session end publish failed", log.FieldUserID, userID, log.FieldError, err)
	}
}

// inlineAlertPublisher dispatches synchronously when no bus is configured.
// Exhausted deliveries are already flagged for reconciliation, so they must
// not fail the apply.
type inlineAlertPublisher struct {
	dispatcher *notify.Dispatcher
}

func (p *inlineAlertPublisher) Publish(ctx context.Context, c core.TierCrossing) error {
	err := p.dispatcher.Dispatch(ctx, c)
	if errors.Is(err, notify.ErrDeliveryFailed) {
		return nil
	}
	return err
}

func main() {
	// .env is for local development; absence is not an error.
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		logger.Error("rules loading failed", log.FieldError, err, "path", cfg.RulesPath)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("storage initialization failed", log.FieldError, err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	var sink notify.Sink
	if cfg.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.WebhookURL, cfg.DispatchTimeout)
	} else {
		sink = notify.NewLogSink(logger)
	}
	dispatcher := notify.NewDispatcher(repo, sink,
		cfg.DispatchMaxAttempts, cfg.DispatchBaseBackoff, cfg.DispatchTimeout, logger)

	// With a bus configured, crossings go to the worker and session ends
	// follow them there; otherwise both are handled in-process.
	var alerts engine.AlertPublisher = &inlineAlertPublisher{dispatcher: dispatcher}
	var sessions apphttp.SessionEnder = dispatcher
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange,
			[]string{cfg.AMQPEventQueue, cfg.AMQPDispatchQueue, cfg.AMQPSessionQueue}, logger)
		if err != nil {
			logger.Warn("AMQP unavailable, dispatching alerts in-process", log.FieldError, err)
		} else {
			defer amqpClient.Close()
			alerts = &amqpAlertPublisher{client: amqpClient, queue: cfg.AMQPDispatchQueue}
			sessions = &amqpSessionEnder{client: amqpClient, queue: cfg.AMQPSessionQueue, logger: logger}
		}
	}

	prog := progression.NewEngine(repo, rules, logger)
	eng := engine.New(
		repo,
		aggregate.NewStore(repo, logger),
		threshold.NewEvaluator(repo, rules.Tiers, logger),
		prog,
		goals.NewTracker(repo, prog, rules.GoalBonusCoins, logger),
		alerts,
		logger,
	)

	ready := func(ctx context.Context) bool {
		_, err := repo.MaxSequence(ctx, "")
		return err == nil
	}
	srv := apphttp.NewServer(":"+cfg.Port, eng, ready, sessions, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bus-ingested events run through the same pipeline as HTTP ones.
	if amqpClient != nil {
		go func() {
			err := amqpClient.ConsumeEventIngest(ctx, cfg.AMQPEventQueue, func(msg *amqp.EventIngestMessage) error {
				_, err := eng.ProcessEvent(ctx, msg.Event())
				if errors.Is(err, core.ErrDuplicateEvent) {
					return nil
				}
				return err
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event consumption failed", log.FieldError, err)
			}
		}()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", log.FieldError, err)
		}
		cancel()
	}()

	logger.Info("starting finquest server", "port", cfg.Port, "db", cfg.SQLiteDBPath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("server stopped gracefully")
}
