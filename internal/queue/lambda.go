package queue

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"mailrelay/internal/types"
)

// LambdaHandler adapts the dispatcher to the AWS Lambda SQS integration.
// Each invocation receives a batch; retryable units are reported as partial
// batch failures so SQS redelivers only those.
type LambdaHandler struct {
	processor Processor
	logger    *slog.Logger
}

// NewLambdaHandler creates a LambdaHandler around the given processor.
func NewLambdaHandler(processor Processor, logger *slog.Logger) *LambdaHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LambdaHandler{processor: processor, logger: logger}
}

// Handle processes one SQS event. It never returns an error: a whole-batch
// error would redeliver already-handled units.
func (h *LambdaHandler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		recordCtx := types.WithTraceID(ctx, uuid.New().String())
		logger := h.logger.With(
			"sqs_message_id", record.MessageId,
			"trace_id", types.GetTraceID(recordCtx))

		outcome := h.processor.Process(recordCtx, []byte(record.Body))
		if outcome.Retryable() {
			logger.Error("unit reported for redelivery",
				"status", outcome.Status,
				"message", outcome.Message)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}

		logger.Info("unit handled", "status", outcome.Status, "message", outcome.Message)
	}

	return response, nil
}
