package outbox

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSTransport publishes outbox rows to NATS JetStream, one subject per
// destination_service/destination_topic pair. It is an alternate Transport
// to HTTPTransport for deployments that already run a JetStream cluster as
// their service-to-service bus.
type NATSTransport struct {
	js          jetstream.JetStream
	serviceName string
	subjectFunc func(row *OutboxRow) string
}

// NewNATSTransport constructs a NATSTransport. subjectFunc may be nil, in
// which case the subject defaults to "<destination_service>.<topic>".
func NewNATSTransport(js jetstream.JetStream, serviceName string, subjectFunc func(row *OutboxRow) string) *NATSTransport {
	if subjectFunc == nil {
		subjectFunc = func(row *OutboxRow) string {
			return row.DestinationService + "." + row.EffectiveTopic()
		}
	}
	return &NATSTransport{js: js, serviceName: serviceName, subjectFunc: subjectFunc}
}

// Publish implements Transport. The aggregate id is carried as the JetStream
// message group so that rows sharing an aggregate land in the same consumer
// partition when ordering matters downstream.
func (t *NATSTransport) Publish(ctx context.Context, row *OutboxRow) error {
	msg := &nats.Msg{
		Subject: t.subjectFunc(row),
		Data:    row.Payload,
		Header:  make(nats.Header),
	}
	msg.Header.Set("Nats-Msg-Id", row.MessageID)
	msg.Header.Set("X-Source-Service", t.serviceName)
	msg.Header.Set("X-Event-Type", row.EventType)
	if row.AggregateID != "" {
		msg.Header.Set("Nats-Msg-Group", row.AggregateID)
	}
	for k, v := range row.Headers {
		if msg.Header.Get(k) != "" {
			continue
		}
		msg.Header.Set(k, v)
	}

	if _, err := t.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to subject %s: %w", msg.Subject, err)
	}
	return nil
}

// Healthy implements Transport.
func (t *NATSTransport) Healthy(ctx context.Context) bool {
	_, err := t.js.AccountInfo(ctx)
	return err == nil
}
