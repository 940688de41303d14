package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/binary-insights/prompt2mesh/internal/job"
	"github.com/binary-insights/prompt2mesh/internal/jobstore"
	"github.com/binary-insights/prompt2mesh/internal/reasoning"
	"github.com/binary-insights/prompt2mesh/internal/toolgate"
	"github.com/binary-insights/prompt2mesh/shared/rabbitmq"
)

// Reasoner turns a modeling prompt into an executable script plan.
type Reasoner interface {
	Reason(ctx context.Context, prompt string) (*reasoning.Result, error)
}

// ToolRunner executes opaque scripts and captures artifacts in owner sessions.
type ToolRunner interface {
	Invoke(ctx context.Context, sessionKey, script string) (*toolgate.InvocationResult, error)
	CaptureArtifact(ctx context.Context, sessionKey string) (*toolgate.ArtifactRef, error)
	ReapIdle() int
}

// Config holds orchestrator configuration
type Config struct {
	Logger         *slog.Logger
	Store          jobstore.Store
	RabbitClient   *rabbitmq.Client
	Reasoner       Reasoner
	Tools          ToolRunner
	Concurrency    int
	PrefetchCount  int
	MaxJobAge      time.Duration
	ExpirySchedule string
	QueueName      string
}

// Orchestrator consumes queued jobs and drives each one through the
// reasoning, invocation, and capture steps.
type Orchestrator struct {
	logger         *slog.Logger
	store          jobstore.Store
	rabbitClient   *rabbitmq.Client
	reasoner       Reasoner
	tools          ToolRunner
	concurrency    int
	prefetchCount  int
	maxJobAge      time.Duration
	expirySchedule string
	queueName      string
	workerID       string
	jobsChan       chan *job.Message
	wg             sync.WaitGroup
	stopChan       chan struct{}
	cron           *cron.Cron
}

// NewOrchestrator creates an orchestrator instance
func NewOrchestrator(cfg *Config) *Orchestrator {
	return &Orchestrator{
		logger:         cfg.Logger,
		store:          cfg.Store,
		rabbitClient:   cfg.RabbitClient,
		reasoner:       cfg.Reasoner,
		tools:          cfg.Tools,
		concurrency:    cfg.Concurrency,
		prefetchCount:  cfg.PrefetchCount,
		maxJobAge:      cfg.MaxJobAge,
		expirySchedule: cfg.ExpirySchedule,
		queueName:      cfg.QueueName,
		workerID:       fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		jobsChan:       make(chan *job.Message),
		stopChan:       make(chan struct{}),
	}
}

// Start reconciles interrupted work, begins consuming, and blocks until the
// context is canceled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("Starting orchestrator",
		slog.String("worker_id", o.workerID),
		slog.Int("concurrency", o.concurrency),
	)

	// Jobs left mid-step by a previous crash cannot be resumed safely.
	reconciled, err := o.store.ReconcileInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile interrupted jobs: %w", err)
	}
	if reconciled > 0 {
		o.logger.Warn("Interrupted jobs failed during reconciliation",
			slog.Int("count", reconciled),
		)
	}

	deliveries, err := o.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	o.spawnWorkerPool(ctx)
	o.startJanitor()

	go o.startMessageDispatcher(ctx, deliveries)

	<-ctx.Done()
	o.logger.Info("Orchestrator context canceled, stopping...")

	return nil
}

// startJanitor schedules the stale-job sweep and idle-session reaping.
func (o *Orchestrator) startJanitor() {
	o.cron = cron.New()

	_, err := o.cron.AddFunc(o.expirySchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		expired, err := o.store.ExpireStale(ctx, o.maxJobAge)
		if err != nil {
			o.logger.Error("Stale job sweep failed",
				slog.String("error", err.Error()),
			)
		} else if expired > 0 {
			o.logger.Info("Stale jobs expired",
				slog.Int("count", expired),
				slog.Duration("max_job_age", o.maxJobAge),
			)
		}

		o.tools.ReapIdle()
	})
	if err != nil {
		o.logger.Error("Failed to schedule janitor, stale jobs will not expire",
			slog.String("schedule", o.expirySchedule),
			slog.String("error", err.Error()),
		)
		return
	}

	o.cron.Start()
	o.logger.Info("Janitor scheduled",
		slog.String("schedule", o.expirySchedule),
	)
}

// Stop gracefully stops the orchestrator
func (o *Orchestrator) Stop() {
	o.logger.Info("Stopping orchestrator...")
	if o.cron != nil {
		o.cron.Stop()
	}
	close(o.stopChan)
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}
