package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/binary-insights/prompt2mesh/internal/job"
	"github.com/binary-insights/prompt2mesh/shared/postgresql"
)

// PostgresStore is the durable Store implementation backed by PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore on top of the shared client.
func NewPostgresStore(pg *postgresql.Client, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     pg.GetDB(),
		logger: logger,
	}
}

const jobColumns = `
	job_id, owner, prompt, state, attempts, plan, tool_output,
	artifact_ref, failure_cause, failure_detail, created_at, updated_at
`

func (s *PostgresStore) Create(ctx context.Context, owner, prompt string) (*job.Job, error) {
	now := time.Now().UTC()
	j := &job.Job{
		JobID:     uuid.New().String(),
		Owner:     owner,
		Prompt:    prompt,
		State:     job.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (
			job_id, owner, prompt, state, attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, $5, $6)
	`

	if _, err := tx.ExecContext(ctx, query, j.JobID, j.Owner, j.Prompt, j.State, j.CreatedAt, j.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := appendHistory(ctx, tx, j.JobID, "", job.StateQueued, "submitted"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job creation: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", j.JobID),
		slog.String("owner", owner),
	)

	return j, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	var j job.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &j, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &j, nil
}

func (s *PostgresStore) History(ctx context.Context, jobID string) ([]job.Transition, error) {
	query := `
		SELECT id, job_id, from_state, to_state, note, occurred_at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY id ASC
	`

	var history []job.Transition
	if err := s.db.SelectContext(ctx, &history, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to load job history: %w", err)
	}

	if len(history) == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return nil, err
		}
	}

	return history, nil
}

// Transition moves a job from one state to another with optimistic locking:
// the UPDATE is guarded on the expected current state, so of two concurrent
// writers exactly one wins and the other gets job.ErrInvalidTransition.
func (s *PostgresStore) Transition(ctx context.Context, jobID, from, to string, patch Patch) (*job.Job, error) {
	if !job.ValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE jobs
		SET state = $1,
			attempts = COALESCE($2, attempts),
			plan = COALESCE($3, plan),
			tool_output = COALESCE($4, tool_output),
			artifact_ref = COALESCE($5, artifact_ref),
			failure_cause = COALESCE($6, failure_cause),
			failure_detail = COALESCE($7, failure_detail),
			updated_at = NOW()
		WHERE job_id = $8
		  AND state = $9
		RETURNING ` + jobColumns

	var j job.Job
	err = tx.QueryRowxContext(ctx, query,
		to,
		patch.Attempts,
		patch.Plan,
		patch.ToolOutput,
		patch.ArtifactRef,
		patch.FailureCause,
		patch.FailureDetail,
		jobID,
		from,
	).StructScan(&j)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the race or wrong expected state. Distinguish a missing
			// job from a conflicting one.
			var exists bool
			if checkErr := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)`, jobID); checkErr == nil && !exists {
				return nil, job.ErrNotFound
			}
			return nil, fmt.Errorf("%w: job %s not in state %s", job.ErrInvalidTransition, jobID, from)
		}
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	if err := appendHistory(ctx, tx, jobID, from, to, patch.Note); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.logger.Info("Job transitioned",
		slog.String("job_id", jobID),
		slog.String("from", from),
		slog.String("to", to),
	)

	return &j, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, filter.Owner)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra so the caller can tell whether more pages exist
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []job.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func (s *PostgresStore) ReconcileInterrupted(ctx context.Context) (int, error) {
	return s.failJobsWhere(ctx,
		`state IN ($3, $4, $5)`,
		[]interface{}{job.StateReasoning, job.StateInvoking, job.StateCapturing},
		job.CauseInterrupted,
		"orchestrator restarted mid-step",
	)
}

func (s *PostgresStore) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	return s.failJobsWhere(ctx,
		`state IN ($3, $4) AND created_at < $5`,
		[]interface{}{job.StateQueued, job.StateReasoning, cutoff},
		job.CauseExpired,
		fmt.Sprintf("job exceeded maximum age %s", maxAge),
	)
}

// failJobsWhere bulk-fails matching jobs and appends a history row per job.
func (s *PostgresStore) failJobsWhere(ctx context.Context, where string, whereArgs []interface{}, cause, detail string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The subquery snapshots the pre-update state so each history row can
	// record where the job was when it got failed.
	query := `
		UPDATE jobs
		SET state = '` + job.StateFailed + `',
			failure_cause = $1,
			failure_detail = $2,
			updated_at = NOW()
		FROM (
			SELECT job_id, state AS prev_state
			FROM jobs
			WHERE ` + where + `
			FOR UPDATE
		) prev
		WHERE jobs.job_id = prev.job_id
		RETURNING jobs.job_id, prev.prev_state`

	args := append([]interface{}{cause, detail}, whereArgs...)

	var failed []struct {
		JobID     string `db:"job_id"`
		PrevState string `db:"prev_state"`
	}
	if err := tx.SelectContext(ctx, &failed, query, args...); err != nil {
		return 0, fmt.Errorf("failed to fail jobs (%s): %w", cause, err)
	}

	for _, f := range failed {
		if err := appendHistory(ctx, tx, f.JobID, f.PrevState, job.StateFailed, "failed: "+cause); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bulk failure: %w", err)
	}

	if len(failed) > 0 {
		s.logger.Warn("Jobs failed in bulk",
			slog.Int("count", len(failed)),
			slog.String("cause", cause),
		)
	}

	return len(failed), nil
}

func appendHistory(ctx context.Context, tx *sqlx.Tx, jobID, from, to, note string) error {
	query := `
		INSERT INTO job_transitions (job_id, from_state, to_state, note, occurred_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	if _, err := tx.ExecContext(ctx, query, jobID, from, to, note); err != nil {
		return fmt.Errorf("failed to append job history: %w", err)
	}

	return nil
}

var _ Store = (*PostgresStore)(nil)
