package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/binary-insights/prompt2mesh/internal/job"
	"github.com/binary-insights/prompt2mesh/internal/jobstore"
	"github.com/binary-insights/prompt2mesh/internal/reasoning"
)

// processJob drives a dispatched job through the pipeline: claim the queued
// record, produce a script, execute it in the owner's session, and capture the
// resulting artifact. Each step is fenced by an optimistic state transition so
// a concurrent cancel or duplicate delivery makes at most one worker proceed.
func (o *Orchestrator) processJob(ctx context.Context, msg *job.Message) error {
	record, err := o.store.Get(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			o.logger.Warn("Dispatched job does not exist, dropping",
				slog.String("job_id", msg.JobID),
			)
			return err
		}
		return newTransientError(fmt.Errorf("failed to load job: %w", err))
	}

	// Cancelled before any worker touched it. The record is already
	// terminal, so just consume the message.
	if job.IsTerminal(record.State) {
		o.logger.Info("Job already terminal, dropping message",
			slog.String("job_id", msg.JobID),
			slog.String("state", record.State),
		)
		return nil
	}

	// Claim: QUEUED -> REASONING. Losing this race means a cancel or a
	// duplicate delivery got there first.
	record, err = o.store.Transition(ctx, msg.JobID, job.StateQueued, job.StateReasoning, jobstore.Patch{
		Note: fmt.Sprintf("claimed by %s", o.workerID),
	})
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			o.logger.Warn("Job claim lost, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("job claim lost: %w", err)
		}
		return newTransientError(fmt.Errorf("failed to claim job: %w", err))
	}

	result, err := o.reason(ctx, record)
	if err != nil {
		return o.failJob(ctx, msg.JobID, job.StateReasoning, err, attemptsOf(err))
	}

	// REASONING -> INVOKING persists the plan before execution so a crash
	// between the two steps leaves an auditable record.
	record, err = o.store.Transition(ctx, msg.JobID, job.StateReasoning, job.StateInvoking, jobstore.Patch{
		Note:     "plan generated",
		Plan:     jobstore.String(result.Script),
		Attempts: jobstore.Int(result.Attempts),
	})
	if err != nil {
		return o.handleLostTransition(msg.JobID, err)
	}

	invocation, err := o.tools.Invoke(ctx, record.Owner, result.Script)
	if err != nil {
		return o.failJob(ctx, msg.JobID, job.StateInvoking, err, nil)
	}

	record, err = o.store.Transition(ctx, msg.JobID, job.StateInvoking, job.StateCapturing, jobstore.Patch{
		Note:       "script executed",
		ToolOutput: jobstore.String(invocation.Output),
	})
	if err != nil {
		return o.handleLostTransition(msg.JobID, err)
	}

	artifact, err := o.tools.CaptureArtifact(ctx, record.Owner)
	if err != nil {
		// The tool output survives on the record; only the artifact is lost.
		captureErr := job.NewStepError(job.CauseCaptureFailed, err)
		return o.failJob(ctx, msg.JobID, job.StateCapturing, captureErr, nil)
	}

	_, err = o.store.Transition(ctx, msg.JobID, job.StateCapturing, job.StateSucceeded, jobstore.Patch{
		Note:        "artifact captured",
		ArtifactRef: jobstore.String(artifact.Ref),
	})
	if err != nil {
		return o.handleLostTransition(msg.JobID, err)
	}

	o.logger.Info("Job succeeded",
		slog.String("job_id", msg.JobID),
		slog.String("artifact_ref", artifact.Ref),
	)

	return nil
}

// reason runs the planning step. A timed-out call gets one fresh round before
// the job is failed; rate limiting already retries inside the client.
func (o *Orchestrator) reason(ctx context.Context, record *job.Job) (*reasoning.Result, error) {
	result, err := o.reasoner.Reason(ctx, record.Prompt)
	if err == nil {
		return result, nil
	}

	if !errors.Is(err, job.ErrTimeout) {
		return nil, err
	}

	o.logger.Warn("Reasoning timed out, retrying once",
		slog.String("job_id", record.JobID),
	)

	result, retryErr := o.reasoner.Reason(ctx, record.Prompt)
	if retryErr != nil {
		return nil, retryErr
	}
	return result, nil
}

// failJob records a terminal failure with the cause derived from the error.
// If the terminal transition itself is lost, the job was cancelled
// concurrently and the failure is dropped.
func (o *Orchestrator) failJob(ctx context.Context, jobID, from string, cause error, attempts *int) error {
	causeCode := job.CauseOf(cause)
	patch := jobstore.FailurePatch(causeCode, cause.Error())
	patch.Attempts = attempts

	if _, err := o.store.Transition(ctx, jobID, from, job.StateFailed, patch); err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			o.logger.Warn("Job reached terminal state before failure was recorded",
				slog.String("job_id", jobID),
			)
			return fmt.Errorf("%w: superseded by concurrent transition", job.ErrInvalidTransition)
		}
		return newTransientError(fmt.Errorf("failed to record job failure: %w", err))
	}

	o.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("cause", causeCode),
		slog.String("error", cause.Error()),
	)

	return fmt.Errorf("job failed with cause %s: %w", causeCode, cause)
}

// handleLostTransition classifies a failed step transition: cancellation races
// consume the message, anything else is a storage fault worth redelivering.
func (o *Orchestrator) handleLostTransition(jobID string, err error) error {
	if errors.Is(err, job.ErrInvalidTransition) {
		o.logger.Warn("Step transition lost, abandoning job",
			slog.String("job_id", jobID),
		)
		return fmt.Errorf("step transition lost: %w", err)
	}
	return newTransientError(fmt.Errorf("failed to advance job: %w", err))
}

// attemptsOf extracts the rate-limit attempt counter when the reasoning step
// exhausted its retries.
func attemptsOf(err error) *int {
	var rle *reasoning.RateLimitError
	if errors.As(err, &rle) {
		return jobstore.Int(rle.Attempts)
	}
	return nil
}
