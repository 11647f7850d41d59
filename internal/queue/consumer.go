// Package queue consumes inbound mail notifications: a long-polling SQS
// consumer for standalone workers and an AWS Lambda handler for event-driven
// deployments. Both hand each raw message body to the dispatcher and delete
// only units whose outcome will not be redelivered.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mailrelay/internal/types"
)

// SQSAPI abstracts the SQS operations used by the Consumer.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Processor handles one raw queue item body and classifies its outcome.
// Implemented by the relay Dispatcher.
type Processor interface {
	Process(ctx context.Context, raw []byte) types.Outcome
}

// ConsumerConfig holds the tuning knobs of the Consumer.
type ConsumerConfig struct {
	// QueueURL of the inbound mail queue.
	QueueURL string
	// MaxMessages per receive batch (1-10). Defaults to 10.
	MaxMessages int32
	// WaitTime for long polling. Defaults to 20s.
	WaitTime time.Duration
	// VisibilityTimeout requested per receive and renewed while a message
	// is still being processed. Defaults to 60s.
	VisibilityTimeout time.Duration
	// Concurrency bounds in-batch parallelism. Defaults to MaxMessages.
	Concurrency int
}

func (c *ConsumerConfig) applyDefaults() {
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = 10
	}
	if c.WaitTime <= 0 {
		c.WaitTime = 20 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 60 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = int(c.MaxMessages)
	}
}

// Consumer long-polls the inbound queue and processes each batch with
// bounded parallelism. Messages whose outcome is below 500 are deleted;
// retryable outcomes are left for the queue's redelivery policy.
type Consumer struct {
	client    SQSAPI
	processor Processor
	cfg       ConsumerConfig
	logger    *slog.Logger
}

// NewConsumer creates a Consumer for the configured queue.
func NewConsumer(client SQSAPI, processor Processor, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Consumer{
		client:    client,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls until the context is canceled. Receive errors are logged and
// retried after a short pause rather than killing the worker.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.cfg.QueueURL),
			MaxNumberOfMessages: c.cfg.MaxMessages,
			WaitTimeSeconds:     int32(c.cfg.WaitTime.Seconds()),
			VisibilityTimeout:   int32(c.cfg.VisibilityTimeout.Seconds()),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to receive from queue", "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		if len(out.Messages) == 0 {
			continue
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(c.cfg.Concurrency)
		for _, msg := range out.Messages {
			group.Go(func() error {
				c.handleMessage(groupCtx, msg.Body, msg.MessageId, msg.ReceiptHandle)
				return nil
			})
		}
		// Workers never return errors; Wait only orders the next receive
		// after the batch drains.
		_ = group.Wait()
	}
}

// handleMessage processes one message under a fresh trace id, renewing its
// visibility while processing runs long.
func (c *Consumer) handleMessage(ctx context.Context, body, messageID, receiptHandle *string) {
	ctx = types.WithTraceID(ctx, uuid.New().String())
	logger := c.logger.With(
		"sqs_message_id", aws.ToString(messageID),
		"trace_id", types.GetTraceID(ctx))

	stopRenewal := c.renewVisibility(ctx, receiptHandle, logger)
	outcome := c.processor.Process(ctx, []byte(aws.ToString(body)))
	stopRenewal()

	if outcome.Retryable() {
		logger.Error("unit left in queue for redelivery",
			"status", outcome.Status,
			"message", outcome.Message)
		return
	}

	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: receiptHandle,
	}); err != nil {
		// The unit was handled; a redelivered duplicate hits the relay's
		// idempotent record store but may re-send the mail.
		logger.Error("failed to delete handled message", "error", err.Error())
		return
	}

	logger.Info("unit handled", "status", outcome.Status, "message", outcome.Message)
}

// renewVisibility extends the message's visibility timeout every half
// period until the returned stop function is called.
func (c *Consumer) renewVisibility(ctx context.Context, receiptHandle *string, logger *slog.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(c.cfg.QueueURL),
					ReceiptHandle:     receiptHandle,
					VisibilityTimeout: int32(c.cfg.VisibilityTimeout.Seconds()),
				})
				if err != nil {
					logger.Warn("failed to extend message visibility", "error", err.Error())
				}
			}
		}
	}()
	return func() { close(done) }
}
