/**
 * Queue consumer
 *
 * Consumes document tasks from the Redis queue and drives the pipeline.
 * Uses Asynq for queue management with exponential retry backoff.
 */

package queue

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pagelens/ocr-worker/internal/errors"
)

// Consumer handles task consumption from the Redis queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor DocumentProcessor
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         DocumentProcessor
	ProcessingTimeout time.Duration
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 5s, 10s, 20s, capped at 60s
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, payload=%s, error=%v",
					task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
	}

	mux.HandleFunc(TaskTypeProcessDocument, consumer.handleProcessDocument)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			log.Printf("Queue consumer error: %v", err)
		}
	}()

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")
	c.server.Shutdown()
	log.Printf("Queue consumer stopped")
	return nil
}

// handleProcessDocument runs the pipeline for one queued document.
func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var t Task
	if err := json.Unmarshal(task.Payload(), &t); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if t.DocumentGUID == "" {
		return fmt.Errorf("task payload missing document GUID")
	}

	log.Printf("[Doc %s] Dequeued for processing", t.DocumentGUID)

	timeout := c.config.ProcessingTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.processor.ProcessByGUID(processCtx, t.DocumentGUID)
	duration := time.Since(startTime)

	if err != nil {
		if goerrors.Is(err, context.DeadlineExceeded) {
			log.Printf("[Doc %s] Processing timed out after %v (timeout: %v)", t.DocumentGUID, duration, timeout)
			return fmt.Errorf("processing timeout: %w", errors.NewProcessingTimeoutError(t.DocumentGUID, timeout, err))
		}
		log.Printf("[Doc %s] Processing failed after %v: %v", t.DocumentGUID, duration, err)
		// Caller mistakes are terminal; retrying cannot fix a bad input.
		if errors.IsInputError(err) {
			return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	log.Printf("[Doc %s] Processing completed in %v", t.DocumentGUID, duration)
	return nil
}
