package job

import "time"

// Job state constants
const (
	StateQueued    = "QUEUED"
	StateReasoning = "REASONING"
	StateInvoking  = "INVOKING"
	StateCapturing = "CAPTURING"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// Failure cause codes recorded on FAILED jobs
const (
	CauseRateLimited        = "RATE_LIMITED"
	CauseUpstreamError      = "UPSTREAM_ERROR"
	CauseTimeout            = "TIMEOUT"
	CauseSessionUnavailable = "SESSION_UNAVAILABLE"
	CauseExecutionError     = "EXECUTION_ERROR"
	CauseCaptureFailed      = "CAPTURE_FAILED"
	CauseExpired            = "EXPIRED"
	CauseInterrupted        = "INTERRUPTED"
)

// Job represents a tracked unit of asynchronous mesh-generation work,
// from prompt submission to terminal outcome.
type Job struct {
	JobID         string    `db:"job_id"`
	Owner         string    `db:"owner"`
	Prompt        string    `db:"prompt"`
	State         string    `db:"state"`
	Attempts      int       `db:"attempts"`
	Plan          string    `db:"plan"`
	ToolOutput    string    `db:"tool_output"`
	ArtifactRef   string    `db:"artifact_ref"`
	FailureCause  string    `db:"failure_cause"`
	FailureDetail string    `db:"failure_detail"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Transition is one append-only history entry for a job.
type Transition struct {
	ID         int64     `db:"id"`
	JobID      string    `db:"job_id"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Note       string    `db:"note"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Message is the dispatch payload published to RabbitMQ when a job is queued.
type Message struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// stateGraph holds the allowed forward moves. Terminal states have no
// outgoing edges; CANCELLED is reachable only before tool side effects begin.
var stateGraph = map[string][]string{
	StateQueued:    {StateReasoning, StateFailed, StateCancelled},
	StateReasoning: {StateInvoking, StateFailed, StateCancelled},
	StateInvoking:  {StateCapturing, StateFailed},
	StateCapturing: {StateSucceeded, StateFailed},
	StateSucceeded: nil,
	StateFailed:    nil,
	StateCancelled: nil,
}

// ValidTransition reports whether moving from one state to another is
// permitted by the state graph.
func ValidTransition(from, to string) bool {
	for _, next := range stateGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Cancelable reports whether a job in this state may still be cancelled.
// Once INVOKING starts the remote engine may have mutated scene state, so
// cancellation is rejected from then on.
func Cancelable(state string) bool {
	return state == StateQueued || state == StateReasoning
}

// ProgressSummary renders a human-readable description of the current step
// for the polling API.
func ProgressSummary(state string) string {
	switch state {
	case StateQueued:
		return "waiting for a worker"
	case StateReasoning:
		return "generating mesh script"
	case StateInvoking:
		return "executing script in the engine"
	case StateCapturing:
		return "capturing artifact"
	case StateSucceeded:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}
