package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const eventsTopic = "waveflow.events"

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// KafkaEventBus publishes all events to a single topic and fans each
// consumed message out to the handlers whose pattern matches its type.
type KafkaEventBus struct {
	config KafkaConfig
	writer *kafka.Writer

	mu       sync.RWMutex
	handlers map[string][]EventHandler
	reader   *kafka.Reader
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewKafkaEventBus(config KafkaConfig) (*KafkaEventBus, error) {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      config.Brokers,
		Topic:        eventsTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	})

	return &KafkaEventBus{
		config:   config,
		writer:   writer,
		handlers: make(map[string][]EventHandler),
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "trace-id", Value: []byte(event.Metadata.TraceID)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaEventBus) Subscribe(pattern string, handler EventHandler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.handlers[pattern] = append(k.handlers[pattern], handler)

	// One shared reader serves every subscription.
	if k.reader == nil {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.config.Brokers,
			Topic:       eventsTopic,
			GroupID:     k.config.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.LastOffset,
			MaxWait:     1 * time.Second,
		})

		ctx, cancel := context.WithCancel(context.Background())
		k.cancel = cancel
		k.wg.Add(1)
		go k.consume(ctx)
	}

	return nil
}

func (k *KafkaEventBus) consume(ctx context.Context) {
	defer k.wg.Done()

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(1 * time.Second)
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			continue
		}

		k.dispatch(ctx, event)
	}
}

func (k *KafkaEventBus) dispatch(ctx context.Context, event Event) {
	k.mu.RLock()
	var matched []EventHandler
	for pattern, hs := range k.handlers {
		if MatchPattern(pattern, event.Type) {
			matched = append(matched, hs...)
		}
	}
	k.mu.RUnlock()

	for _, h := range matched {
		// Handler errors are the consumer's concern; one failing handler
		// must not block the rest.
		_ = h(ctx, event)
	}
}

func (k *KafkaEventBus) Close() error {
	if k.cancel != nil {
		k.cancel()
	}

	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}

	if k.reader != nil {
		if err := k.reader.Close(); err != nil {
			return fmt.Errorf("failed to close reader: %w", err)
		}
	}

	k.wg.Wait()
	return nil
}
