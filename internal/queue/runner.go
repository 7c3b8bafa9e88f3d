/**
 * Task runners
 *
 * A Runner decides how an accepted document gets processed: enqueued on
 * the shared Redis queue for the worker fleet, or executed inline in
 * the submitting process. The strategy is chosen once at startup.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeProcessDocument is the asynq task type for full-document runs.
const TaskTypeProcessDocument = "document:process"

// Task identifies one accepted document awaiting processing.
type Task struct {
	DocumentGUID string `json:"documentGuid"`
}

// Runner dispatches an accepted document for processing.
type Runner interface {
	Run(ctx context.Context, task *Task) error
}

// DocumentProcessor is the piece of the pipeline the inline runner and
// the consumer invoke.
type DocumentProcessor interface {
	ProcessByGUID(ctx context.Context, guid string) error
}

// AsynqRunner enqueues tasks on the Redis-backed queue.
type AsynqRunner struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewAsynqRunner connects a queue producer.
func NewAsynqRunner(redisURL, queueName string, timeout time.Duration) (*AsynqRunner, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("Redis URL is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &AsynqRunner{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: 3,
		timeout:  timeout,
	}, nil
}

func (r *AsynqRunner) Run(ctx context.Context, task *Task) error {
	if task == nil || task.DocumentGUID == "" {
		return fmt.Errorf("task requires a document GUID")
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = r.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeProcessDocument, payload),
		asynq.Queue(r.queue),
		asynq.MaxRetry(r.maxRetry),
		asynq.Timeout(r.timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue document %s: %w", task.DocumentGUID, err)
	}
	return nil
}

// Close releases the queue connection.
func (r *AsynqRunner) Close() error {
	return r.client.Close()
}

// InlineRunner executes the pipeline synchronously in the caller's
// goroutine. Used for tests and single-process deployments.
type InlineRunner struct {
	Processor DocumentProcessor
}

func (r *InlineRunner) Run(ctx context.Context, task *Task) error {
	if task == nil || task.DocumentGUID == "" {
		return fmt.Errorf("task requires a document GUID")
	}
	if r.Processor == nil {
		return fmt.Errorf("inline runner requires a processor")
	}
	return r.Processor.ProcessByGUID(ctx, task.DocumentGUID)
}
