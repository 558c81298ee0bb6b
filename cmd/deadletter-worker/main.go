// Package main is the entrypoint for the dead-letter replay Lambda function.
//
// The worker consumes the billing replay queue. Each message carries a
// billing event the API could not apply; the worker feeds it back through
// the reconciler.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Load the worker configuration, resolving secrets from SSM outside the
//     local environment.
//  3. Open the Postgres pool and load AWS SDK configuration.
//  4. Build the catalog, price map and a reconciler without a dead-letter
//     sink, so a replay never writes a second record.
//  5. Register handler and call lambda.Start.
//
// Handler flow, for each SQS message in the batch:
//  1. Decode the DeadLetterMessage. Undecodable bodies are acknowledged.
//  2. Reconcile the event.
//  3. applied, stale and ignored resolve the dead letter; failed is reported
//     as a batch item failure so SQS retries it; dropped is acknowledged and
//     stays in the dead-letter table for an operator.
//
// A settled event whose dead-letter row does not exist is acknowledged. The
// SQS copy is published even when the Postgres write failed, so the row can
// be missing while the event itself is fine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"reviewdesk/internal/billing"
	"reviewdesk/internal/config"
	"reviewdesk/internal/db"
	"reviewdesk/internal/external"
	"reviewdesk/internal/queue"
	"reviewdesk/internal/telemetry"
	"reviewdesk/internal/types"
)

// EventReconciler applies one billing event.
type EventReconciler interface {
	Reconcile(ctx context.Context, ev types.BillingEvent) billing.Result
}

// Resolver marks a dead letter as handled.
type Resolver interface {
	MarkResolved(ctx context.Context, id string) error
}

// BatchMetrics records the size of each invocation's batch.
type BatchMetrics interface {
	RecordReplayBatch(ctx context.Context, size int)
}

// Handler holds the dependencies for the replay worker Lambda handler.
type Handler struct {
	reconciler EventReconciler
	resolver   Resolver
	metrics    BatchMetrics
	logger     *slog.Logger
}

// Handle processes an SQS batch. Lambda SQS integration uses partial batch
// responses: messages that fail are returned in BatchItemFailures so SQS
// retries only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}
	if h.metrics != nil {
		h.metrics.RecordReplayBatch(ctx, len(sqsEvent.Records))
	}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to replay billing event",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	msg, err := queue.DecodeMessage(record.Body)
	if err != nil {
		// Permanent; retrying the same body cannot help.
		h.logger.ErrorContext(ctx, "discarding undecodable replay message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return nil
	}

	logger := h.logger.With(
		"dead_letter_id", msg.DeadLetterID,
		"event_id", msg.Event.ID,
		"event_type", string(msg.Event.Type),
		"reason", string(msg.Reason),
	)

	res := h.reconciler.Reconcile(ctx, msg.Event)

	switch {
	case billing.Settles(res.Outcome):
		if msg.DeadLetterID != "" {
			err := h.resolver.MarkResolved(ctx, msg.DeadLetterID)
			switch {
			case types.IsCode(err, types.ErrCodeNotFoundDeadLetter):
				logger.WarnContext(ctx, "replayed billing event has no dead-letter row",
					"outcome", string(res.Outcome),
				)
				return nil
			case err != nil:
				return fmt.Errorf("mark dead letter %s resolved: %w", msg.DeadLetterID, err)
			}
		}
		logger.InfoContext(ctx, "billing event replayed", "outcome", string(res.Outcome))
		return nil

	case res.Outcome == types.OutcomeFailed:
		return fmt.Errorf("reconcile event %s: %w", msg.Event.ID, res.Err)

	default:
		logger.WarnContext(ctx, "replayed billing event dropped; left for operator review",
			"error", errString(res.Err),
		)
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("Dead-letter worker Lambda initializing (cold start)")

	handler, err := newHandler(context.Background(), logger)
	if err != nil {
		logger.Error("Failed to initialize dead-letter worker", "error", err)
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

func newHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	cfg, err := config.LoadWorkerConfig(config.DefaultSecretProvider())
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	// One invocation handles one batch at a time.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	metrics := telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger)

	catalog, err := billing.DefaultCatalog(cfg.Prices.StarterPriceID, cfg.Prices.AdvancedPriceID)
	if err != nil {
		return nil, err
	}
	prices, err := billing.NewPriceMap(catalog, cfg.Prices.PriceMap)
	if err != nil {
		return nil, err
	}

	var lineItems billing.LineItemSource
	if cfg.Prices.VerifyLineItems && !cfg.LineItemsEnabled() {
		logger.Warn("STRIPE_SECRET_KEY not set; replays trust checkout metadata")
	}
	if cfg.LineItemsEnabled() {
		lineItems = external.NewStripeClient(
			external.NewStripeBaseClient(&http.Client{Timeout: 10 * time.Second}),
			external.StripeClientConfig{SecretKey: cfg.StripeSecretKey, Logger: logger},
		)
	}

	deadLetters := db.NewDeadLetterRepository(pool)
	reconciler := billing.NewReconciler(billing.ReconcilerConfig{
		Accounts:  db.NewAccountRepository(pool, logger),
		Catalog:   catalog,
		Prices:    prices,
		LineItems: lineItems,
		Notifier:  db.NewNotificationRepository(pool),
		Metrics:   metrics,
		Logger:    logger,
	})

	logger.Info("Dead-letter worker Lambda initialized",
		"environment", cfg.Environment,
		"verify_line_items", cfg.LineItemsEnabled(),
	)

	return &Handler{
		reconciler: reconciler,
		resolver:   deadLetters,
		metrics:    metrics,
		logger:     logger,
	}, nil
}
