// Package redpanda streams resolved reward spins to a Redpanda (Kafka) topic
// for analytics and audit consumers.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-advisor/internal/domain"
)

// DefaultSpinTopic receives one record per resolved spin.
const DefaultSpinTopic = "advisor-spins"

// SpinPublisher implements domain.SpinEventPublisher.
type SpinPublisher struct {
	client *kgo.Client
	topic  string
}

// NewSpinPublisher connects to the brokers and makes sure the topic exists.
func NewSpinPublisher(ctx context.Context, brokers []string, topic string) (*SpinPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.new_publisher: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultSpinTopic
	}
	slog.Info("creating redpanda spin publisher", slog.Any("brokers", brokers), slog.String("topic", topic))

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.DialTimeout(10*time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.new_publisher: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, topic, 3, 1); err != nil {
		// publishing still works when topics are auto-created by the broker
		slog.Warn("failed to create topic", slog.String("topic", topic), slog.Any("error", err))
	}
	return &SpinPublisher{client: client, topic: topic}, nil
}

// PublishSpin produces the record synchronously, keyed by session id so a
// session's spins stay ordered within a partition.
func (p *SpinPublisher) PublishSpin(ctx context.Context, rec domain.SpinRecord) error {
	r, err := spinRecord(p.topic, rec)
	if err != nil {
		return fmt.Errorf("op=redpanda.publish_spin: %w", err)
	}
	if err := p.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.publish_spin: %w", err)
	}
	return nil
}

// Ping checks broker connectivity for readiness probes.
func (p *SpinPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *SpinPublisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

func spinRecord(topic string, rec domain.SpinRecord) (*kgo.Record, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(rec.SessionID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "spin_id", Value: []byte(rec.ID)},
			{Key: "prize_id", Value: []byte(rec.PrizeID)},
			{Key: "effect", Value: []byte(rec.Effect.Kind)},
		},
		Timestamp: rec.SpunAt,
	}, nil
}
