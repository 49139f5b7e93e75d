package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/plant-care-assistant/internal/bootstrap"
	"github.com/kirillkom/plant-care-assistant/internal/config"
	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/observability/logging"
	"github.com/kirillkom/plant-care-assistant/internal/observability/metrics"
)

// The worker audits terminal diagnosis events: it logs every run outcome and
// exports outcome, duration and delivery lag metrics.
func main() {
	cfg := config.Load()
	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, os.Stderr)
	logger := logging.New("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer, err := bootstrap.NewEventConsumer(cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer consumer.Close()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "queue_group", cfg.WorkerQueueGroup)
	err = consumer.SubscribeDiagnoses(ctx, cfg.WorkerQueueGroup, func(_ context.Context, event domain.DiagnosisEvent) error {
		workerMetrics.StartEvent()
		defer workerMetrics.FinishEvent(event, time.Now().UTC())

		attrs := []any{
			"session_id", event.SessionID,
			"run_id", event.RunID,
			"state", event.State,
			"plant_name", event.PlantName,
			"moisture_level", event.MoistureLevel,
			"health_label", event.HealthLabel,
			"duration_ms", event.DurationMS,
		}
		if event.State == domain.StateFailed {
			logger.Warn("diagnosis_failed", append(attrs, "failure_kind", event.FailureKind, "retryable", event.Retryable)...)
			return nil
		}
		logger.Info("diagnosis_succeeded", attrs...)
		return nil
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
