package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dukex/nurture/pkg/cmd"
	"github.com/dukex/nurture/pkg/ingest/kafka"
	"github.com/dukex/nurture/pkg/models"
)

type Worker struct {
	id      string
	runtime *cmd.Runtime
	logger  *slog.Logger
}

func NewWorker(id string, runtime *cmd.Runtime, logger *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		runtime: runtime,
		logger:  logger,
	}
}

// Start consumes the bus, and the ingestion topics when configured, until ctx is cancelled or
// the process receives SIGINT or SIGTERM.
func (w *Worker) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.logger.InfoContext(ctx, "Starting worker", "worker_id", w.id)

	if err := w.runtime.Consume(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	receiver, err := w.ingestion(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	<-ctx.Done()

	shutdownCtx := context.WithoutCancel(ctx)
	w.logger.InfoContext(shutdownCtx, "Shutting down worker")

	if receiver != nil {
		return receiver.Stop(shutdownCtx)
	}

	return nil
}

func (w *Worker) ingestion(ctx context.Context) (*kafka.Receiver, error) {
	cfg := w.runtime.Config.Kafka
	if len(cfg.Topics) == 0 {
		return nil, nil
	}

	receiver, err := kafka.NewReceiver(kafka.Config{
		Brokers:       cfg.Brokers,
		Topics:        cfg.Topics,
		ConsumerGroup: cfg.ConsumerGroup,
		UserID:        cfg.UserID,
	}, w.processEvent, w.logger, w.runtime.Clock)
	if err != nil {
		return nil, err
	}

	if err := receiver.Start(ctx); err != nil {
		return nil, err
	}

	return receiver, nil
}

func (w *Worker) processEvent(ctx context.Context, userID string, event models.Event) error {
	result, err := w.runtime.TriggerEngine.ProcessEvent(ctx, userID, event)
	if err != nil {
		return err
	}

	w.logger.DebugContext(ctx, "ingested event", "event_id", result.EventID, "matched", len(result.MatchedTriggers))

	return nil
}
