package events

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus lazily manages one writer per topic. Topic is prefix + event type.
type KafkaBus struct {
	brokers   []string
	prefix    string
	mu        sync.Mutex
	writers   map[string]messageWriter
	newWriter func(topic string) messageWriter
}

func NewKafkaBus(brokers []string, topicPrefix string) *KafkaBus {
	b := &KafkaBus{
		brokers: brokers,
		prefix:  topicPrefix,
		writers: make(map[string]messageWriter),
	}
	b.newWriter = b.kafkaWriter
	return b
}

func (b *KafkaBus) Topic(evtType string) string {
	return b.prefix + evtType
}

func (b *KafkaBus) Emit(ctx context.Context, msg Message) error {
	w := b.writerForTopic(b.Topic(msg.Type))
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "dealflow-event", Value: []byte(msg.Type)},
			{Key: "dealflow-delivery", Value: []byte(strconv.FormatInt(msg.ID, 10))},
			{Key: "dealflow-tenant", Value: []byte(msg.TenantID)},
		},
	})
}

func (b *KafkaBus) writerForTopic(topic string) messageWriter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := b.newWriter(topic)
	b.writers[topic] = w
	return w
}

func (b *KafkaBus) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// Close releases all writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for topic, w := range b.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.writers, topic)
	}
	return firstErr
}
