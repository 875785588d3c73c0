package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"dealflow/internal/config"
	"dealflow/internal/domain"
)

// Message is one outbox event prepared for delivery.
type Message struct {
	ID       int64
	Type     string
	TenantID string
	Key      string
	Body     []byte
}

// Bus delivers messages to an external transport.
type Bus interface {
	Emit(ctx context.Context, msg Message) error
	Close() error
}

// Envelope is the JSON body every transport carries.
type Envelope struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// NewMessage wraps a stored event in its delivery envelope.
func NewMessage(evt domain.Event) (Message, error) {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	body, err := json.Marshal(Envelope{
		ID:         evt.ID,
		Type:       evt.Type,
		TenantID:   evt.TenantID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{ID: evt.ID, Type: evt.Type, TenantID: evt.TenantID, Key: evt.EntityID, Body: body}, nil
}

// MultiBus fans a message out to every bus. All buses are attempted; errors are joined.
type MultiBus []Bus

func (m MultiBus) Emit(ctx context.Context, msg Message) error {
	var errs []error
	for _, b := range m {
		if err := b.Emit(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiBus) Close() error {
	var errs []error
	for _, b := range m {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogBus writes each message to a structured logger. Used when no transport is configured.
type LogBus struct {
	Logger *slog.Logger
}

func (b LogBus) Emit(ctx context.Context, msg Message) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "domain event", "id", msg.ID, "type", msg.Type, "tenant_id", msg.TenantID, "key", msg.Key)
	return nil
}

func (b LogBus) Close() error { return nil }

// NewBusFromConfig wires every configured transport. With none configured, events are logged.
func NewBusFromConfig(cfg config.EventsConfig, logger *slog.Logger) (Bus, error) {
	var buses MultiBus
	if len(cfg.Kafka.Brokers) > 0 {
		buses = append(buses, NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix))
	}
	if cfg.NATS.URL != "" {
		nb, err := NewNATSBus(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			_ = buses.Close()
			return nil, err
		}
		buses = append(buses, nb)
	}
	if len(cfg.Webhooks) > 0 {
		buses = append(buses, NewWebhookBus(cfg.Webhooks))
	}
	switch len(buses) {
	case 0:
		return LogBus{Logger: logger}, nil
	case 1:
		return buses[0], nil
	}
	return buses, nil
}
