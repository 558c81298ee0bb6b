package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"reviewdesk/internal/types"
)

// CloudWatch metric names and dimensions.
const (
	MetricNamespace       = "ReviewDesk/Billing"
	MetricBillingEvent    = "BillingEventProcessed"
	MetricReplayBatchSize = "DeadLetterReplayBatchSize"
	DimEventType          = "EventType"
	DimOutcome            = "Outcome"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchMetrics satisfies the reconciler's
// metrics interface.
var _ interface {
	RecordReconcile(types.BillingEventType, types.ReconcileOutcome)
} = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes billing metrics to AWS CloudWatch. Publish
// failures are logged and never surface to the caller.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to
// MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: MetricNamespace,
		timeout:   2 * time.Second,
		logger:    logger,
	}
}

// RecordReconcile emits a BillingEventProcessed count with EventType and
// Outcome dimensions.
func (m *CloudWatchMetrics) RecordReconcile(eventType types.BillingEventType, outcome types.ReconcileOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricBillingEvent),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimEventType), Value: aws.String(string(eventType))},
			{Name: aws.String(DimOutcome), Value: aws.String(string(outcome))},
		},
	})
}

// RecordReplayBatch emits the number of dead-letter messages received in one
// worker invocation.
func (m *CloudWatchMetrics) RecordReplayBatch(ctx context.Context, size int) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricReplayBatchSize),
		Value:      aws.Float64(float64(size)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to publish metric",
			"error", err.Error(),
			"metric", aws.ToString(datum.MetricName),
		)
	}
}
