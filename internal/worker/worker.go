package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/askdocs/askdocs/internal/broker"
)

const (
	// MaxRetries before a task lands on the dead letter queue.
	MaxRetries = 3

	// retryBaseDelay grows as base * 2^retry_count: 30s, 60s, 120s.
	retryBaseDelay = 30 * time.Second

	receiveWait = 10 * time.Second
)

// Options tunes the worker loop.
type Options struct {
	// Concurrency bounds tasks processed in parallel.
	Concurrency int

	// SoftTimeLimit cancels the task context, letting the processor
	// fail cleanly. HardTimeLimit is the absolute ceiling including
	// failure bookkeeping.
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// Worker consumes the task queues and drives the processor.
type Worker struct {
	broker    broker.Broker
	processor *Processor
	opts      Options
}

// New creates a worker. Zero option fields get production defaults.
func New(b broker.Broker, p *Processor, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.SoftTimeLimit <= 0 {
		opts.SoftTimeLimit = 270 * time.Second
	}
	if opts.HardTimeLimit <= 0 {
		opts.HardTimeLimit = 330 * time.Second
	}
	return &Worker{broker: b, processor: p, opts: opts}
}

// Run consumes tasks until the context is cancelled. In-flight tasks
// are drained before it returns.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		"concurrency", w.opts.Concurrency,
		"soft_limit", w.opts.SoftTimeLimit,
		"hard_limit", w.opts.HardTimeLimit)

	sem := semaphore.NewWeighted(int64(w.opts.Concurrency))
	for {
		if err := ctx.Err(); err != nil {
			break
		}

		msgs, err := w.broker.Receive(ctx, int32(w.opts.Concurrency), receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("failed to receive tasks", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			go func(msg broker.Message) {
				defer sem.Release(1)
				w.handle(msg)
			}(msg)
		}
	}

	// Wait for in-flight tasks.
	drainCtx, cancel := context.WithTimeout(context.Background(), w.opts.HardTimeLimit)
	defer cancel()
	if err := sem.Acquire(drainCtx, int64(w.opts.Concurrency)); err != nil {
		return fmt.Errorf("worker shutdown with tasks still running: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}

// handle runs one task under the time limits and settles its fate:
// ack, delayed retry or dead letter.
func (w *Worker) handle(msg broker.Message) {
	hardCtx, cancelHard := context.WithTimeout(context.Background(), w.opts.HardTimeLimit)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, w.opts.SoftTimeLimit)
	defer cancelSoft()

	err := w.processor.Process(softCtx, msg.Task)

	// Settlement uses the hard window that remains after the soft
	// deadline fired.
	if err == nil {
		w.ack(hardCtx, msg)
		return
	}

	log := slog.With("task", msg.Task.Task,
		"tenant_id", msg.TenantID, "document_id", msg.DocumentID,
		"retry_count", msg.RetryCount)

	if IsPermanent(err) {
		log.Error("task failed permanently", "error", err)
		w.deadLetter(hardCtx, msg, err)
		return
	}

	if msg.RetryCount >= MaxRetries {
		log.Error("task exhausted retries", "error", err)
		w.deadLetter(hardCtx, msg, err)
		return
	}

	retry := msg.Task
	retry.RetryCount++
	delay := retryBaseDelay << msg.RetryCount
	log.Warn("task failed, scheduling retry", "delay", delay, "error", err)
	if qErr := w.broker.EnqueueRetry(hardCtx, retry, delay); qErr != nil {
		// Leave the message unacked; SQS redelivers it after the
		// visibility timeout.
		log.Error("failed to enqueue retry, leaving message for redelivery", "error", qErr)
		return
	}
	w.ack(hardCtx, msg)
}

func (w *Worker) deadLetter(ctx context.Context, msg broker.Message, cause error) {
	if err := w.broker.EnqueueDeadLetter(ctx, msg.Task, cause.Error()); err != nil {
		slog.Error("failed to dead letter task, leaving message for redelivery",
			"document_id", msg.DocumentID, "error", err)
		return
	}
	w.ack(ctx, msg)
}

func (w *Worker) ack(ctx context.Context, msg broker.Message) {
	if err := w.broker.Ack(ctx, msg); err != nil {
		slog.Error("failed to ack message", "document_id", msg.DocumentID, "error", err)
	}
}
