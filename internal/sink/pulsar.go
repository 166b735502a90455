package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/agentofreality/drasi-test-infra/internal/change"
)

// PulsarSink publishes each record as one message on a Pulsar topic, keyed by
// element id so per-element ordering survives topic partitioning.
type PulsarSink struct {
	client   pulsar.Client
	producer pulsar.Producer
}

// NewPulsarSink connects to the broker and creates a producer for the topic.
func NewPulsarSink(brokerURL string, topic string) (*PulsarSink, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:              brokerURL,
		OperationTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("sink: connect pulsar %s: %w", brokerURL, err)
	}
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:       topic,
		SendTimeout: 10 * time.Second,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sink: create producer for %s: %w", topic, err)
	}
	return &PulsarSink{client: client, producer: producer}, nil
}

func (s *PulsarSink) SendBatch(ctx context.Context, batch []*change.Record) error {
	for _, rec := range batch {
		payload, err := rec.Marshal()
		if err != nil {
			return fmt.Errorf("sink: encode record: %w", err)
		}
		key := ""
		if rec.Payload.After != nil {
			key = rec.Payload.After.ID
		} else if rec.Payload.Before != nil {
			key = rec.Payload.Before.ID
		}
		_, err = s.producer.Send(ctx, &pulsar.ProducerMessage{
			Payload: payload,
			Key:     key,
		})
		if err != nil {
			return fmt.Errorf("sink: publish lsn %d: %w", rec.Payload.Source.LSN, err)
		}
	}
	return nil
}

func (s *PulsarSink) Close() error {
	s.producer.Close()
	s.client.Close()
	return nil
}

var _ TransportSink = (*PulsarSink)(nil)
