package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards events to a Kafka topic keyed by auction ID, so
// a consumer sees one auction's events in order.
type KafkaPublisher struct {
	writer messageWriter
	queue  chan kafka.Message
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for topic on brokers. Call Run to
// start delivery.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, 1024)
}

func newKafkaPublisher(w messageWriter, buffer int) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		queue:  make(chan kafka.Message, buffer),
		logger: slog.Default().With("component", "kafka_publisher"),
	}
}

// Publish queues evt without blocking.
func (p *KafkaPublisher) Publish(evt model.Event) {
	value, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("marshal event failed", "type", evt.Type, "err", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(evt.AuctionID),
		Value: value,
		Time:  evt.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	}
	select {
	case p.queue <- msg:
	default:
		metrics.NotificationsDropped.WithLabelValues("kafka").Inc()
	}
}

// Run writes queued events until ctx is done, then flushes what is left
// and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, p.collect(msg))
		case <-ctx.Done():
			p.flush()
			return p.writer.Close()
		}
	}
}

// collect drains whatever is already queued behind first into one batch.
func (p *KafkaPublisher) collect(first kafka.Message) []kafka.Message {
	batch := []kafka.Message{first}
	for len(batch) < 100 {
		select {
		case msg := <-p.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (p *KafkaPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, p.collect(msg))
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, batch []kafka.Message) {
	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		metrics.NotificationsDropped.WithLabelValues("kafka").Add(float64(len(batch)))
		p.logger.Error("kafka write failed", "messages", len(batch), "err", err)
	}
}
