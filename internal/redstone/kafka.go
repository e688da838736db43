package redstone

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer writes to any topic; the topic is chosen per message.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Write publishes value keyed by key, so every message of one order lands on
// the same partition.
func (p *Producer) Write(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.w.WriteMessages(ctx, msg)
}

// PublishEnvelope injects the trace context of ctx into the headers and
// writes env to its topic.
func (p *Producer) PublishEnvelope(ctx context.Context, topic string, env Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}
	headers := map[string]string{"event_type": env.EventType}
	InjectTrace(ctx, headers)
	return p.Write(ctx, topic, env.OrderID, b, headers)
}

type Consumer struct {
	r *kafka.Reader
}

func NewConsumer(brokers []string, topics []string, groupID string) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupTopics: topics,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    10e6,
		}),
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Fetch(ctx context.Context) (kafka.Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m kafka.Message) error {
	return c.r.CommitMessages(ctx, m)
}

// Headers flattens the kafka headers of m.
func Headers(m kafka.Message) map[string]string {
	out := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
