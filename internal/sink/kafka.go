package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/setevik/logbridge/internal/event"
)

// Kafka publishes one JSON document per message to a topic.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	res      Resource
}

// KafkaConfig returns the producer configuration used by NewKafka.
func KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "logbridge"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Compression = sarama.CompressionZSTD
	cfg.Version = sarama.V2_1_0_0
	return cfg
}

// NewKafka connects a synchronous producer to brokers.
func NewKafka(brokers []string, topic string, res Resource) (*Kafka, error) {
	producer, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, topic, res), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, topic string, res Resource) *Kafka {
	return &Kafka{producer: p, topic: topic, res: res}
}

func (k *Kafka) Export(_ context.Context, entries []event.Entry) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(entries))
	for _, e := range entries {
		doc := NewDocument(e, k.res)
		value, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		msg := &sarama.ProducerMessage{
			Topic:     k.topic,
			Value:     sarama.ByteEncoder(value),
			Timestamp: doc.Timestamp,
		}
		if doc.Service != "" {
			msg.Key = sarama.StringEncoder(doc.Service)
		}
		msgs = append(msgs, msg)
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			return fmt.Errorf("kafka rejected %d of %d messages: %w", len(perrs), len(msgs), perrs[0].Err)
		}
		return fmt.Errorf("sending kafka messages: %w", err)
	}
	return nil
}

// Flush is a no-op: SendMessages waits for broker acknowledgement.
func (k *Kafka) Flush(context.Context) error { return nil }

func (k *Kafka) Shutdown(context.Context) error {
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("closing kafka producer: %w", err)
	}
	return nil
}
