package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards deliveries to a topic consumed by the outbound
// channel adapters (email, SMS). Writes go through a circuit breaker so a
// broker outage does not stall the dispatcher workers.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	cb     *gobreaker.CircuitBreaker
}

// notificationCommand is the wire format on the notifications topic
type notificationCommand struct {
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(writer, topic)
}

func newKafkaPublisher(writer messageWriter, topic string) *KafkaPublisher {
	logger := log.With().Str("component", "kafka_publisher").Str("topic", topic).Logger()

	settings := gobreaker.Settings{
		Name:        "notifications-" + topic,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		cb:     gobreaker.NewCircuitBreaker(settings),
	}
}

// Deliver publishes d keyed by account id so one account's notifications
// stay ordered within a partition.
func (p *KafkaPublisher) Deliver(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(notificationCommand{
		AccountID: d.AccountID,
		Title:     d.Title,
		Body:      d.Body,
		Category:  d.Category,
		CreatedAt: d.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification command: %w", err)
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(d.AccountID),
			Value: payload,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification to %s: %w", p.topic, err)
	}
	return nil
}

// State reports the circuit breaker state.
func (p *KafkaPublisher) State() gobreaker.State {
	return p.cb.State()
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
