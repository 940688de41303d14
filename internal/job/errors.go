package job

import "errors"

var (
	// ErrNotFound is returned when a job cannot be found in the store
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a requested state move is not
	// permitted by the state graph, or when a concurrent writer got there first
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrAlreadyInFlight is returned when cancellation is requested after the
	// job has started executing against the engine
	ErrAlreadyInFlight = errors.New("job already in flight, cannot cancel")

	// ErrRateLimited is returned when the reasoning API kept throttling past
	// the configured retry budget
	ErrRateLimited = errors.New("reasoning API rate limit exceeded")

	// ErrUpstream is returned for non-rate-limit reasoning API failures
	ErrUpstream = errors.New("reasoning API upstream error")

	// ErrTimeout is returned when an upstream call exceeded its deadline
	ErrTimeout = errors.New("upstream call timed out")

	// ErrSessionUnavailable is returned when the engine cannot be reached for
	// the owner's session
	ErrSessionUnavailable = errors.New("tool session unavailable")

	// ErrExecution is returned when the engine reports a script failure
	ErrExecution = errors.New("tool execution failed")
)

// StepError ties a step failure to the cause code persisted on the job.
type StepError struct {
	Cause string
	Err   error
}

func (e *StepError) Error() string {
	return e.Cause + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError wraps an upstream failure with its recorded cause code.
func NewStepError(cause string, err error) error {
	return &StepError{Cause: cause, Err: err}
}

// CauseOf maps an upstream error to the failure cause code stored on the job.
// Unknown errors are recorded as upstream failures.
func CauseOf(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Cause
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return CauseRateLimited
	case errors.Is(err, ErrTimeout):
		return CauseTimeout
	case errors.Is(err, ErrSessionUnavailable):
		return CauseSessionUnavailable
	case errors.Is(err, ErrExecution):
		return CauseExecutionError
	}
	return CauseUpstreamError
}
