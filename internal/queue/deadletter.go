// Package queue publishes dead-lettered billing events to SQS so the replay
// worker can retry them outside the webhook request path.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"reviewdesk/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeadLetterPublisher implements billing.DeadLetterSink on top of SQS. Only
// failed outcomes are published: dropped events stay in the dead-letter
// table until an operator replays them.
type DeadLetterPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDeadLetterPublisher creates a publisher for queueURL.
func NewDeadLetterPublisher(client SQSSender, queueURL string, logger *slog.Logger) *DeadLetterPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Record sends dl to the replay queue when its outcome is failed.
func (p *DeadLetterPublisher) Record(ctx context.Context, dl *types.DeadLetter) error {
	if dl.Outcome != types.OutcomeFailed {
		return nil
	}

	msg, err := MessageFromDeadLetter(dl)
	if err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal DeadLetterMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Event.Type)),
			},
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Reason)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send DeadLetterMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "dead letter published",
		"queue_url", p.queueURL,
		"dead_letter_id", dl.ID,
		"event_id", dl.EventID,
		"reason", string(dl.Reason),
	)
	return nil
}

// MessageFromDeadLetter rebuilds the replay envelope for dl. The payload of a
// dead letter is the JSON of the billing event it was created from.
func MessageFromDeadLetter(dl *types.DeadLetter) (types.DeadLetterMessage, error) {
	var ev types.BillingEvent
	if err := json.Unmarshal(dl.Payload, &ev); err != nil {
		return types.DeadLetterMessage{}, fmt.Errorf("queue: dead letter %s has undecodable payload: %w", dl.ID, err)
	}
	return types.DeadLetterMessage{
		DeadLetterID: dl.ID,
		Outcome:      dl.Outcome,
		Reason:       dl.Reason,
		Event:        ev,
	}, nil
}

// DecodeMessage parses an SQS message body produced by Record.
func DecodeMessage(body string) (types.DeadLetterMessage, error) {
	var msg types.DeadLetterMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return types.DeadLetterMessage{}, fmt.Errorf("queue: failed to decode DeadLetterMessage: %w", err)
	}
	if msg.Event.ID == "" || msg.Event.Type == "" {
		return types.DeadLetterMessage{}, fmt.Errorf("queue: DeadLetterMessage carries no replayable event")
	}
	return msg, nil
}
