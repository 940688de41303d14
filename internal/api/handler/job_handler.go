package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/binary-insights/prompt2mesh/internal/api/dto"
	"github.com/binary-insights/prompt2mesh/internal/job"
	"github.com/binary-insights/prompt2mesh/internal/jobstore"
)

// SubmitJob handles POST /api/v1/jobs
// Accepts a modeling prompt, records a QUEUED job, and dispatches it.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "owner and prompt are required",
		})
		return
	}

	record, err := h.store.Create(c.Request.Context(), req.Owner, req.Prompt)
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	body, _ := json.Marshal(map[string]string{"job_id": record.JobID})
	if err := h.publisher.Publish(c.Request.Context(), body, "application/json"); err != nil {
		h.logger.Error("Failed to dispatch job",
			slog.String("job_id", record.JobID),
			slog.String("error", err.Error()),
		)
		// The record would otherwise sit QUEUED until the expiry sweep.
		patch := jobstore.FailurePatch(job.CauseUpstreamError, "dispatch to work queue failed")
		if _, failErr := h.store.Transition(c.Request.Context(), record.JobID, job.StateQueued, job.StateFailed, patch); failErr != nil {
			h.logger.Error("Failed to mark undispatched job",
				slog.String("job_id", record.JobID),
				slog.String("error", failErr.Error()),
			)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to dispatch job",
		})
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", record.JobID),
		slog.String("owner", record.Owner),
	)

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID: record.JobID,
		State: record.State,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the current state, progress, and any result or failure detail.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	record, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(record))
}

// GetJobHistory handles GET /api/v1/jobs/:job_id/history
// Returns the job's transition audit trail in order.
func (h *JobHandler) GetJobHistory(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	history, err := h.store.History(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job history", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job history",
		})
		return
	}

	transitions := make([]dto.TransitionDTO, len(history))
	for i, t := range history {
		transitions[i] = dto.TransitionDTO{
			FromState:  t.FromState,
			ToState:    t.ToState,
			Note:       t.Note,
			OccurredAt: t.OccurredAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":      jobID,
		"transitions": transitions,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional owner/state filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := jobstore.ListFilter{
		Owner:    req.Owner,
		State:    req.State,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// One extra row signals another page.
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	items := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		items[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&jobstore.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       items,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a job that has not begun tool execution. Once a script is running
// in the engine the job is no longer cancelable.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	record, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job for cancel", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	// A lost transition means the job moved under us. Re-read once; the job
	// may still be in a cancelable state (QUEUED claimed into REASONING).
	for attempt := 0; attempt < 2; attempt++ {
		if record.State == job.StateCancelled {
			c.JSON(http.StatusOK, toJobDTO(record))
			return
		}
		if !job.Cancelable(record.State) {
			h.rejectCancel(c, record)
			return
		}

		updated, err := h.store.Transition(c.Request.Context(), jobID, record.State, job.StateCancelled, jobstore.Patch{
			Note: "cancelled by owner",
		})
		if err == nil {
			h.logger.Info("Job cancelled",
				slog.String("job_id", jobID),
				slog.String("from_state", record.State),
			)
			c.JSON(http.StatusOK, toJobDTO(updated))
			return
		}
		if !errors.Is(err, job.ErrInvalidTransition) {
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}

		record, err = h.store.Get(c.Request.Context(), jobID)
		if err != nil {
			h.logger.Error("Failed to re-read job after cancel race", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}
	}

	h.rejectCancel(c, record)
}

func (h *JobHandler) rejectCancel(c *gin.Context, record *job.Job) {
	code := "ALREADY_IN_FLIGHT"
	if job.IsTerminal(record.State) {
		code = "ALREADY_TERMINAL"
	}
	c.JSON(http.StatusConflict, gin.H{
		"error": "job cannot be cancelled",
		"code":  code,
		"state": record.State,
	})
}

func toJobDTO(record *job.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:       record.JobID,
		Owner:       record.Owner,
		Prompt:      record.Prompt,
		State:       record.State,
		Progress:    job.ProgressSummary(record.State),
		Attempts:    record.Attempts,
		Plan:        record.Plan,
		ToolOutput:  record.ToolOutput,
		ArtifactRef: record.ArtifactRef,
		CreatedAt:   record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   record.UpdatedAt.Format(time.RFC3339),
	}
	if record.FailureCause != "" {
		d.Failure = &dto.FailureDTO{
			Cause:  record.FailureCause,
			Detail: record.FailureDetail,
		}
	}
	return d
}
