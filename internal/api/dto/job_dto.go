package dto

// SubmitJobRequest is the body of POST /api/v1/jobs.
type SubmitJobRequest struct {
	Owner  string `json:"owner" binding:"required"`
	Prompt string `json:"prompt" binding:"required,max=8000"`
}

// SubmitJobResponse acknowledges an accepted submission.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// FailureDTO describes why a job ended up FAILED.
type FailureDTO struct {
	Cause  string `json:"cause"`
	Detail string `json:"detail,omitempty"`
}

// JobDTO is the external representation of a job record.
type JobDTO struct {
	JobID       string      `json:"job_id"`
	Owner       string      `json:"owner"`
	Prompt      string      `json:"prompt"`
	State       string      `json:"state"`
	Progress    string      `json:"progress"`
	Attempts    int         `json:"attempts"`
	Plan        string      `json:"plan,omitempty"`
	ToolOutput  string      `json:"tool_output,omitempty"`
	ArtifactRef string      `json:"artifact_ref,omitempty"`
	Failure     *FailureDTO `json:"failure,omitempty"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

// TransitionDTO is one entry of a job's audit history.
type TransitionDTO struct {
	FromState  string `json:"from_state"`
	ToState    string `json:"to_state"`
	Note       string `json:"note,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

type ListJobsRequest struct {
	Owner    string `form:"owner"`
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}
