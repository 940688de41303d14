package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/binary-insights/prompt2mesh/internal/job"
)

// transientError marks failures worth redelivering, such as a database blip
// before the job was claimed.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.err)
}

func (e *transientError) Unwrap() error {
	return e.err
}

func newTransientError(err error) *transientError {
	return &transientError{err: err}
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (o *Orchestrator) spawnWorkerPool(ctx context.Context) {
	o.logger.Info("Spawning worker pool",
		slog.Int("concurrency", o.concurrency),
		slog.String("worker_id", o.workerID),
	)

	for i := 0; i < o.concurrency; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (o *Orchestrator) workerLoop(ctx context.Context, workerNum int) {
	defer o.wg.Done()

	workerName := fmt.Sprintf("%s-%d", o.workerID, workerNum)
	o.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-o.stopChan:
			o.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			o.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-o.jobsChan:
			if !ok {
				o.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			o.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			err := o.processJob(ctx, msg)

			channel := o.rabbitClient.GetChannel()
			if channel == nil {
				o.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
				)
				continue
			}

			if err != nil {
				o.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)

				requeue := o.shouldRequeue(err)
				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					o.logger.Error("Failed to NACK message",
						slog.String("worker_name", workerName),
						slog.String("job_id", msg.JobID),
						slog.String("error", nackErr.Error()),
					)
				} else {
					o.logger.Info("Message NACKed",
						slog.String("job_id", msg.JobID),
						slog.Bool("requeue", requeue),
					)
				}
				continue
			}

			if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
				o.logger.Error("Failed to ACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.String("error", ackErr.Error()),
				)
			}
		}
	}
}

// shouldRequeue decides redelivery from the error type. Jobs that reached a
// terminal state were already recorded, so their messages are never requeued.
func (o *Orchestrator) shouldRequeue(err error) bool {
	// Lost the claim race to a cancel or another consumer.
	if errors.Is(err, job.ErrInvalidTransition) {
		return false
	}

	if errors.Is(err, job.ErrNotFound) {
		return false
	}

	var transient *transientError
	return errors.As(err, &transient)
}
