package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binary-insights/prompt2mesh/internal/job"
	"github.com/binary-insights/prompt2mesh/internal/jobstore"
	"github.com/binary-insights/prompt2mesh/internal/reasoning"
	"github.com/binary-insights/prompt2mesh/internal/toolgate"
	"github.com/binary-insights/prompt2mesh/shared/logger"
)

type fakeReasoner struct {
	calls   int
	results []*reasoning.Result
	errs    []error
}

func (f *fakeReasoner) Reason(ctx context.Context, prompt string) (*reasoning.Result, error) {
	i := f.calls
	f.calls++
	if i >= len(f.errs) {
		i = len(f.errs) - 1
	}
	if f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.results[i], nil
}

type fakeTools struct {
	invokeCalls   int
	captureCalls  int
	invokeErr     error
	captureErr    error
	invokedWith   []string
	invokedOwner  string
	capturedOwner string
}

func (f *fakeTools) Invoke(ctx context.Context, sessionKey, script string) (*toolgate.InvocationResult, error) {
	f.invokeCalls++
	f.invokedOwner = sessionKey
	f.invokedWith = append(f.invokedWith, script)
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return &toolgate.InvocationResult{Output: `"mesh created"`}, nil
}

func (f *fakeTools) CaptureArtifact(ctx context.Context, sessionKey string) (*toolgate.ArtifactRef, error) {
	f.captureCalls++
	f.capturedOwner = sessionKey
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return &toolgate.ArtifactRef{
		SessionKey: sessionKey,
		Kind:       "screenshot",
		Ref:        "artifacts/render-1.png",
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeTools) ReapIdle() int { return 0 }

func okReasoner(script string) *fakeReasoner {
	return &fakeReasoner{
		results: []*reasoning.Result{{Script: script, Model: "gpt-4o-mini", Attempts: 0}},
		errs:    []error{nil},
	}
}

func newTestOrchestrator(store jobstore.Store, reasoner Reasoner, tools ToolRunner) *Orchestrator {
	return &Orchestrator{
		logger:   logger.NewDefault().Logger,
		store:    store,
		reasoner: reasoner,
		tools:    tools,
		workerID: "worker-test",
	}
}

func submitJob(t *testing.T, store jobstore.Store) *job.Job {
	t.Helper()
	record, err := store.Create(context.Background(), "alice", "make a red cube")
	require.NoError(t, err)
	return record
}

func TestProcessJob_HappyPath(t *testing.T) {
	store := jobstore.NewMemoryStore()
	tools := &fakeTools{}
	o := newTestOrchestrator(store, okReasoner("import bpy"), tools)

	record := submitJob(t, store)

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), record.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, got.State)
	assert.Equal(t, "import bpy", got.Plan)
	assert.Equal(t, `"mesh created"`, got.ToolOutput)
	assert.Equal(t, "artifacts/render-1.png", got.ArtifactRef)
	assert.Empty(t, got.FailureCause)

	// The owner identity keys the tool session.
	assert.Equal(t, "alice", tools.invokedOwner)
	assert.Equal(t, "alice", tools.capturedOwner)

	history, err := store.History(context.Background(), record.JobID)
	require.NoError(t, err)
	states := make([]string, 0, len(history))
	for _, h := range history {
		states = append(states, h.ToState)
	}
	assert.Equal(t, []string{
		job.StateQueued, job.StateReasoning, job.StateInvoking,
		job.StateCapturing, job.StateSucceeded,
	}, states)
}

func TestProcessJob_UnknownJobDropped(t *testing.T) {
	store := jobstore.NewMemoryStore()
	o := newTestOrchestrator(store, okReasoner("pass"), &fakeTools{})

	err := o.processJob(context.Background(), &job.Message{JobID: "missing"})

	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.False(t, o.shouldRequeue(err))
}

func TestProcessJob_CancelledBeforeClaim(t *testing.T) {
	store := jobstore.NewMemoryStore()
	reasoner := okReasoner("pass")
	o := newTestOrchestrator(store, reasoner, &fakeTools{})

	record := submitJob(t, store)
	_, err := store.Transition(context.Background(), record.JobID, job.StateQueued, job.StateCancelled, jobstore.Patch{Note: "cancelled by owner"})
	require.NoError(t, err)

	err = o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.NoError(t, err, "terminal jobs consume the message without work")
	assert.Zero(t, reasoner.calls)

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateCancelled, got.State)
}

func TestProcessJob_ClaimRaceLost(t *testing.T) {
	store := jobstore.NewMemoryStore()
	reasoner := okReasoner("pass")
	o := newTestOrchestrator(store, reasoner, &fakeTools{})

	record := submitJob(t, store)
	// A second consumer claims the job between Get and Transition.
	_, err := store.Transition(context.Background(), record.JobID, job.StateQueued, job.StateReasoning, jobstore.Patch{Note: "claimed by worker-other"})
	require.NoError(t, err)

	err = o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.False(t, o.shouldRequeue(err))
	assert.Zero(t, reasoner.calls)
}

func TestProcessJob_RateLimitExhaustion(t *testing.T) {
	store := jobstore.NewMemoryStore()
	reasoner := &fakeReasoner{
		errs: []error{&reasoning.RateLimitError{Attempts: 3, Last: errors.New("429")}},
	}
	o := newTestOrchestrator(store, reasoner, &fakeTools{})

	record := submitJob(t, store)

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.Error(t, err)
	assert.False(t, o.shouldRequeue(err))

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, job.CauseRateLimited, got.FailureCause)
	assert.Equal(t, 3, got.Attempts)
}

func TestProcessJob_ReasoningTimeoutRetriedOnce(t *testing.T) {
	store := jobstore.NewMemoryStore()
	reasoner := &fakeReasoner{
		results: []*reasoning.Result{nil, {Script: "import bpy", Attempts: 0}},
		errs:    []error{fmt.Errorf("call: %w", job.ErrTimeout), nil},
	}
	o := newTestOrchestrator(store, reasoner, &fakeTools{})

	record := submitJob(t, store)

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.NoError(t, err)
	assert.Equal(t, 2, reasoner.calls)

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateSucceeded, got.State)
}

func TestProcessJob_ReasoningTimeoutTwiceFails(t *testing.T) {
	store := jobstore.NewMemoryStore()
	reasoner := &fakeReasoner{
		errs: []error{fmt.Errorf("call: %w", job.ErrTimeout)},
	}
	o := newTestOrchestrator(store, reasoner, &fakeTools{})

	record := submitJob(t, store)

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.Error(t, err)
	assert.Equal(t, 2, reasoner.calls)

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, job.CauseTimeout, got.FailureCause)
}

func TestProcessJob_EngineUnreachable(t *testing.T) {
	store := jobstore.NewMemoryStore()
	tools := &fakeTools{
		invokeErr: fmt.Errorf("%w: cannot reach engine", job.ErrSessionUnavailable),
	}
	o := newTestOrchestrator(store, okReasoner("import bpy"), tools)

	record := submitJob(t, store)

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.Error(t, err)

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, job.CauseSessionUnavailable, got.FailureCause)
	// The plan was persisted before the invocation was attempted.
	assert.Equal(t, "import bpy", got.Plan)
}

func TestProcessJob_ScriptExecutionError(t *testing.T) {
	store := jobstore.NewMemoryStore()
	tools := &fakeTools{
		invokeErr: fmt.Errorf("%w: NameError in script", job.ErrExecution),
	}
	o := newTestOrchestrator(store, okReasoner("import bpyy"), tools)

	record := submitJob(t, store)

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.Error(t, err)

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, job.CauseExecutionError, got.FailureCause)
	assert.Contains(t, got.FailureDetail, "NameError")
}

func TestProcessJob_CaptureFailureKeepsToolOutput(t *testing.T) {
	store := jobstore.NewMemoryStore()
	tools := &fakeTools{
		captureErr: errors.New("viewport render crashed"),
	}
	o := newTestOrchestrator(store, okReasoner("import bpy"), tools)

	record := submitJob(t, store)

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.Error(t, err)

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateFailed, got.State)
	assert.Equal(t, job.CauseCaptureFailed, got.FailureCause)
	assert.Equal(t, `"mesh created"`, got.ToolOutput, "execution output survives a failed capture")
	assert.Empty(t, got.ArtifactRef)
}

func TestProcessJob_CancelledDuringReasoning(t *testing.T) {
	store := jobstore.NewMemoryStore()

	o := newTestOrchestrator(store, nil, &fakeTools{})
	record := submitJob(t, store)

	// Cancel lands while the reasoner is running.
	o.reasoner = reasonerFunc(func(ctx context.Context, prompt string) (*reasoning.Result, error) {
		_, err := store.Transition(ctx, record.JobID, job.StateReasoning, job.StateCancelled, jobstore.Patch{Note: "cancelled by owner"})
		require.NoError(t, err)
		return &reasoning.Result{Script: "import bpy"}, nil
	})

	err := o.processJob(context.Background(), &job.Message{JobID: record.JobID})

	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.False(t, o.shouldRequeue(err))

	got, _ := store.Get(context.Background(), record.JobID)
	assert.Equal(t, job.StateCancelled, got.State, "the cancel wins, the worker abandons")
}

type reasonerFunc func(ctx context.Context, prompt string) (*reasoning.Result, error)

func (f reasonerFunc) Reason(ctx context.Context, prompt string) (*reasoning.Result, error) {
	return f(ctx, prompt)
}

func TestShouldRequeue(t *testing.T) {
	o := newTestOrchestrator(jobstore.NewMemoryStore(), nil, &fakeTools{})

	tests := []struct {
		name    string
		err     error
		requeue bool
	}{
		{
			name:    "lost transition race",
			err:     fmt.Errorf("claim: %w", job.ErrInvalidTransition),
			requeue: false,
		},
		{
			name:    "job missing",
			err:     fmt.Errorf("load: %w", job.ErrNotFound),
			requeue: false,
		},
		{
			name:    "transient storage fault",
			err:     newTransientError(errors.New("connection reset")),
			requeue: true,
		},
		{
			name:    "recorded failure",
			err:     fmt.Errorf("job failed with cause TIMEOUT: %w", job.ErrTimeout),
			requeue: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.requeue, o.shouldRequeue(tt.err))
		})
	}
}
