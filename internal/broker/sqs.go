package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

// sqsAPI is the slice of the SQS client the broker uses, split out so
// tests can inject a fake.
type sqsAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, input *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queues holds the queue URLs the broker operates on.
type Queues struct {
	Ingest     string
	Retry      string
	DeadLetter string
}

// SQSBroker is the production Broker over Amazon SQS.
type SQSBroker struct {
	client sqsAPI
	queues Queues
}

// NewSQSBroker creates a broker from the ambient AWS config.
func NewSQSBroker(ctx context.Context, region string, queues Queues) (*SQSBroker, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SQSBroker{client: sqs.NewFromConfig(cfg), queues: queues}, nil
}

// newSQSBrokerWithAPI injects a custom client, for tests.
func newSQSBrokerWithAPI(api sqsAPI, queues Queues) *SQSBroker {
	return &SQSBroker{client: api, queues: queues}
}

// EnqueueIngest queues a freshly uploaded document for processing.
func (b *SQSBroker) EnqueueIngest(ctx context.Context, tenantID, documentID uuid.UUID) error {
	return b.send(ctx, b.queues.Ingest, Task{
		Task:       TaskProcessDocument,
		TenantID:   tenantID,
		DocumentID: documentID,
	}, 0)
}

// EnqueueRetry requeues a failed task on the retry queue with a
// visibility delay. SQS caps DelaySeconds at 900.
func (b *SQSBroker) EnqueueRetry(ctx context.Context, task Task, delay time.Duration) error {
	seconds := int32(delay / time.Second)
	if seconds > 900 {
		seconds = 900
	}
	if seconds < 0 {
		seconds = 0
	}
	return b.send(ctx, b.queues.Retry, task, seconds)
}

// EnqueueDeadLetter parks an exhausted task for operator inspection.
func (b *SQSBroker) EnqueueDeadLetter(ctx context.Context, task Task, reason string) error {
	task.FailureReason = reason
	slog.Error("task moved to dead letter queue",
		"task", task.Task,
		"tenant_id", task.TenantID,
		"document_id", task.DocumentID,
		"retry_count", task.RetryCount,
		"reason", reason)
	return b.send(ctx, b.queues.DeadLetter, task, 0)
}

func (b *SQSBroker) send(ctx context.Context, queueURL string, task Task, delaySeconds int32) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive long-polls the ingest and retry queues, ingest first.
func (b *SQSBroker) Receive(ctx context.Context, max int32, wait time.Duration) ([]Message, error) {
	msgs, err := b.receiveFrom(ctx, b.queues.Ingest, max, wait)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		return msgs, nil
	}
	// Nothing fresh; drain the retry queue without a second long poll.
	return b.receiveFrom(ctx, b.queues.Retry, max, 0)
}

func (b *SQSBroker) receiveFrom(ctx context.Context, queueURL string, max int32, wait time.Duration) ([]Message, error) {
	resp, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	msgs := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msg := Message{
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			QueueURL:      queueURL,
		}
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg.Task); err != nil {
			slog.Error("dropping malformed task message", "queue", queueURL, "error", err)
			if delErr := b.Ack(ctx, msg); delErr != nil {
				slog.Warn("failed to delete malformed message", "error", delErr)
			}
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Ack deletes a processed message from its source queue.
func (b *SQSBroker) Ack(ctx context.Context, msg Message) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(msg.QueueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

var _ Broker = (*SQSBroker)(nil)
