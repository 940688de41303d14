package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/binary-insights/prompt2mesh/internal/job"
)

// MemoryStore is an in-process Store for tests and single-node development.
// A single mutex serializes all mutations, which gives the same
// at-most-one-transition-per-job guarantee as the Postgres optimistic lock.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	history map[string][]job.Transition
	nextID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*job.Job),
		history: make(map[string][]job.Transition),
	}
}

func (s *MemoryStore) Create(ctx context.Context, owner, prompt string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	j := &job.Job{
		JobID:     uuid.New().String(),
		Owner:     owner,
		Prompt:    prompt,
		State:     job.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.jobs[j.JobID] = j
	s.appendHistory(j.JobID, "", job.StateQueued, "submitted")

	copied := *j
	return &copied, nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return nil, job.ErrNotFound
	}

	copied := *j
	return &copied, nil
}

func (s *MemoryStore) History(ctx context.Context, jobID string) ([]job.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.jobs[jobID]; !exists {
		return nil, job.ErrNotFound
	}

	history := make([]job.Transition, len(s.history[jobID]))
	copy(history, s.history[jobID])
	return history, nil
}

func (s *MemoryStore) Transition(ctx context.Context, jobID, from, to string, patch Patch) (*job.Job, error) {
	if !job.ValidTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[jobID]
	if !exists {
		return nil, job.ErrNotFound
	}

	if j.State != from {
		return nil, fmt.Errorf("%w: job %s not in state %s", job.ErrInvalidTransition, jobID, from)
	}

	j.State = to
	j.UpdatedAt = time.Now().UTC()
	applyPatch(j, patch)
	s.appendHistory(jobID, from, to, patch.Note)

	copied := *j
	return &copied, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []job.Job
	for _, j := range s.jobs {
		if filter.Owner != "" && j.Owner != filter.Owner {
			continue
		}
		if filter.State != "" && j.State != filter.State {
			continue
		}
		jobs = append(jobs, *j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].JobID > jobs[k].JobID
	})

	if filter.Cursor != nil {
		idx := 0
		for idx < len(jobs) {
			j := jobs[idx]
			if j.CreatedAt.Before(filter.Cursor.CreatedAt) ||
				(j.CreatedAt.Equal(filter.Cursor.CreatedAt) && j.JobID < filter.Cursor.JobID) {
				break
			}
			idx++
		}
		jobs = jobs[idx:]
	}

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}

	return jobs, nil
}

func (s *MemoryStore) ReconcileInterrupted(ctx context.Context) (int, error) {
	return s.failJobs(func(j *job.Job) bool {
		switch j.State {
		case job.StateReasoning, job.StateInvoking, job.StateCapturing:
			return true
		}
		return false
	}, job.CauseInterrupted, "orchestrator restarted mid-step"), nil
}

func (s *MemoryStore) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	return s.failJobs(func(j *job.Job) bool {
		if j.State != job.StateQueued && j.State != job.StateReasoning {
			return false
		}
		return j.CreatedAt.Before(cutoff)
	}, job.CauseExpired, fmt.Sprintf("job exceeded maximum age %s", maxAge)), nil
}

func (s *MemoryStore) failJobs(match func(*job.Job) bool, cause, detail string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, j := range s.jobs {
		if !match(j) {
			continue
		}
		from := j.State
		j.State = job.StateFailed
		j.FailureCause = cause
		j.FailureDetail = detail
		j.UpdatedAt = time.Now().UTC()
		s.appendHistory(j.JobID, from, job.StateFailed, "failed: "+cause)
		count++
	}

	return count
}

// appendHistory must be called with the write lock held.
func (s *MemoryStore) appendHistory(jobID, from, to, note string) {
	s.nextID++
	s.history[jobID] = append(s.history[jobID], job.Transition{
		ID:         s.nextID,
		JobID:      jobID,
		FromState:  from,
		ToState:    to,
		Note:       note,
		OccurredAt: time.Now().UTC(),
	})
}

func applyPatch(j *job.Job, patch Patch) {
	if patch.Attempts != nil {
		j.Attempts = *patch.Attempts
	}
	if patch.Plan != nil {
		j.Plan = *patch.Plan
	}
	if patch.ToolOutput != nil {
		j.ToolOutput = *patch.ToolOutput
	}
	if patch.ArtifactRef != nil {
		j.ArtifactRef = *patch.ArtifactRef
	}
	if patch.FailureCause != nil {
		j.FailureCause = *patch.FailureCause
	}
	if patch.FailureDetail != nil {
		j.FailureDetail = *patch.FailureDetail
	}
}

var _ Store = (*MemoryStore)(nil)
