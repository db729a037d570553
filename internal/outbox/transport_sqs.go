package outbox

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of the SQS client this transport needs, narrowed to
// keep it mockable in tests.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSTransport publishes outbox rows to AWS SQS queues, one queue URL per
// destination_service. destination_topic is carried as a message attribute
// rather than a queue, since SQS queues are provisioned ahead of time.
type SQSTransport struct {
	client      sqsAPI
	serviceName string
	queueURLs   map[string]string
}

// NewSQSTransport constructs an SQSTransport. queueURLs maps
// destination_service to an SQS queue URL, mirroring HTTPTransport's
// ServiceURLs map.
func NewSQSTransport(client sqsAPI, serviceName string, queueURLs map[string]string) *SQSTransport {
	return &SQSTransport{client: client, serviceName: serviceName, queueURLs: queueURLs}
}

// Publish implements Transport.
func (t *SQSTransport) Publish(ctx context.Context, row *OutboxRow) error {
	queueURL, ok := t.queueURLs[row.DestinationService]
	if !ok {
		return &ErrConfiguration{Reason: fmt.Sprintf("no queue URL configured for destination_service %q", row.DestinationService)}
	}

	attrs := map[string]types.MessageAttributeValue{
		"X-Event-Type": {DataType: aws.String("String"), StringValue: aws.String(row.EventType)},
		"X-Source-Service": {DataType: aws.String("String"), StringValue: aws.String(t.serviceName)},
		"X-Message-Id": {DataType: aws.String("String"), StringValue: aws.String(row.MessageID)},
	}
	for k, v := range row.Headers {
		if _, exists := attrs[k]; exists {
			continue
		}
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(queueURL),
		MessageBody:            aws.String(string(row.Payload)),
		MessageAttributes:      attrs,
		MessageDeduplicationId: aws.String(row.MessageID),
	}
	if row.AggregateID != "" {
		input.MessageGroupId = aws.String(row.AggregateID)
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message to %s: %w", row.DestinationService, err)
	}
	return nil
}

// Healthy implements Transport.
func (t *SQSTransport) Healthy(ctx context.Context) bool {
	for _, queueURL := range t.queueURLs {
		_, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{QueueUrl: aws.String(queueURL)})
		if err == nil {
			return true // one reachable queue is enough to call the transport healthy
		}
	}
	return len(t.queueURLs) == 0
}
