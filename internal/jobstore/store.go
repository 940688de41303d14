package jobstore

import (
	"context"
	"time"

	"github.com/binary-insights/prompt2mesh/internal/job"
)

// Patch carries the optional record fields a transition may set alongside the
// state change. Nil fields are left untouched.
type Patch struct {
	Note          string
	Attempts      *int
	Plan          *string
	ToolOutput    *string
	ArtifactRef   *string
	FailureCause  *string
	FailureDetail *string
}

// Cursor marks a position in the created_at/job_id ordering for pagination.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListFilter narrows and pages a job listing.
type ListFilter struct {
	Owner    string
	State    string
	PageSize int
	Cursor   *Cursor
}

// Store is the single source of truth for job state. Transition is the only
// mutation entry point after creation; it validates the move against the
// state graph and appends to the history log atomically. Concurrent
// transitions on the same job are serialized: the loser observes
// job.ErrInvalidTransition.
type Store interface {
	Create(ctx context.Context, owner, prompt string) (*job.Job, error)
	Get(ctx context.Context, jobID string) (*job.Job, error)
	History(ctx context.Context, jobID string) ([]job.Transition, error)
	Transition(ctx context.Context, jobID, from, to string, patch Patch) (*job.Job, error)
	List(ctx context.Context, filter ListFilter) ([]job.Job, error)

	// ReconcileInterrupted fails every job caught mid-step (REASONING,
	// INVOKING, CAPTURING) with cause INTERRUPTED. Run at worker startup;
	// QUEUED jobs are left alone because their dispatch messages survive in
	// the durable queue.
	ReconcileInterrupted(ctx context.Context) (int, error)

	// ExpireStale fails QUEUED and REASONING jobs older than maxAge with
	// cause EXPIRED.
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// String returns a pointer to s for use in a Patch.
func String(s string) *string { return &s }

// Int returns a pointer to n for use in a Patch.
func Int(n int) *int { return &n }

// FailurePatch builds the patch recorded when a job moves to FAILED.
func FailurePatch(cause, detail string) Patch {
	return Patch{
		Note:          "failed: " + cause,
		FailureCause:  String(cause),
		FailureDetail: String(detail),
	}
}
