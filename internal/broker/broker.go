// Package broker moves ingestion tasks between the API and the worker
// fleet over SQS.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskProcessDocument runs the full ingestion pipeline for one
// uploaded document.
const TaskProcessDocument = "process_document"

// Task is the wire payload of one queued job.
type Task struct {
	Task       string    `json:"task"`
	TenantID   uuid.UUID `json:"tenant_id"`
	DocumentID uuid.UUID `json:"document_id"`
	RetryCount int       `json:"retry_count,omitempty"`

	// FailureReason is set when a task lands on the dead letter queue.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Message is a received task plus what is needed to acknowledge it.
type Message struct {
	Task
	ReceiptHandle string
	QueueURL      string
}

// Broker is the task transport. EnqueueIngest also satisfies the
// uploader's queue dependency.
type Broker interface {
	EnqueueIngest(ctx context.Context, tenantID, documentID uuid.UUID) error

	// EnqueueRetry requeues a failed task with a visibility delay.
	EnqueueRetry(ctx context.Context, task Task, delay time.Duration) error

	// EnqueueDeadLetter parks a task that exhausted its retries.
	EnqueueDeadLetter(ctx context.Context, task Task, reason string) error

	// Receive long-polls for up to max tasks.
	Receive(ctx context.Context, max int32, wait time.Duration) ([]Message, error)

	// Ack deletes a processed message. Unacked messages reappear after
	// the visibility timeout, so processing must be idempotent.
	Ack(ctx context.Context, msg Message) error
}
