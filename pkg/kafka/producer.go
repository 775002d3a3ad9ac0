package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes settlement events to Kafka. A nil *Producer is
// valid and drops events, so services can run without a broker.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
}

// NewProducer creates a Kafka producer connected to the given brokers
func NewProducer(brokers []string, clientID string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	if p == nil {
		return nil
	}
	return p.client
}

func (p *Producer) HealthCheck() error {
	if p == nil || p.client == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// PublishSettlementEvent publishes a single settlement event. Events
// are best-effort: a missing producer is a no-op, a produce failure is
// logged and returned but must not block settlement itself.
func (p *Producer) PublishSettlementEvent(event *SettlementEvent) error {
	if p == nil || p.client == nil {
		return nil
	}
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: SettlementTopic,
		Key:   []byte(event.AccountID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		p.logger.WithFields(logrus.Fields{
			"event_type": event.EventType,
			"account_id": event.AccountID,
			"error":      err,
		}).Warn("Failed to publish settlement event")
		return fmt.Errorf("failed to produce message: %w", err)
	}

	return nil
}
