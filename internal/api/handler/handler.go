package handler

import (
	"context"
	"log/slog"

	"github.com/binary-insights/prompt2mesh/internal/jobstore"
)

// Publisher dispatches a job message onto the work queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
	IsConnected() bool
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     jobstore.Store
	Publisher Publisher
	DB        HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     jobstore.Store
	publisher Publisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
	}
}
