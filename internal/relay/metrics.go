package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// metricNamespace is the CloudWatch namespace for all relay metrics.
const metricNamespace = "MailRelay"

// Metric result dimension values.
const (
	ResultForwarded = "forwarded"
	ResultReplied   = "replied"
	ResultConfirmed = "confirmed"
	ResultRejected  = "rejected"
	ResultRetryable = "retryable"
)

// Metrics emits per-unit processing metrics to CloudWatch. Emission is
// best-effort: failures are logged and never affect the unit's outcome.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewMetrics creates a Metrics publisher for the relay namespace.
func NewMetrics(client CloudWatchClient, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Metrics{
		client:    client,
		namespace: metricNamespace,
		logger:    logger,
	}
}

// RecordProcessed emits a ProcessedNotification count with the Result
// dimension and the unit's processing latency.
func (m *Metrics) RecordProcessed(ctx context.Context, result string, duration time.Duration) {
	if m == nil {
		return
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("ProcessedNotification"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String("Result"),
						Value: aws.String(result),
					},
				},
			},
			{
				MetricName: aws.String("ProcessingLatency"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String("Result"),
						Value: aws.String(result),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record processing metric",
			"error", err.Error(),
			"result", result,
			"duration_ms", duration.Milliseconds(),
		)
	}
}
