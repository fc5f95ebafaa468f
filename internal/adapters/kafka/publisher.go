// Package kafka publishes outbox events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/DanielPopoola/charterdesk/internal/config"
	"github.com/DanielPopoola/charterdesk/internal/core/domain"
	"github.com/DanielPopoola/charterdesk/internal/core/ports"
	"github.com/twmb/franz-go/pkg/kgo"
)

// producer is the subset of *kgo.Client the publisher needs.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type Publisher struct {
	client producer
	topic  string
	logger *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher connects to the configured brokers. Produces wait for all
// in-sync replicas so an acknowledged event is durable.
func NewPublisher(cfg config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	logger.Info("kafka publisher configured", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return newPublisher(client, cfg.Topic, logger), nil
}

func newPublisher(client producer, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, topic: topic, logger: logger}
}

// Publish produces one record per event, keyed by correlation id so every
// event of a negotiation lands on the same partition in order.
func (p *Publisher) Publish(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(e.CorrelationID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "event_type", Value: []byte(e.Type)},
				{Key: "event_id", Value: []byte(e.ID.String())},
			},
		})
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce %d events to %s: %w", len(records), p.topic, err)
	}
	p.logger.Debug("events published", "count", len(records), "topic", p.topic)
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}
