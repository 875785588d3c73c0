package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

var ErrNotConnected = errors.New("nats: not connected")

type natsPublisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	Drain() error
}

// NATSBus publishes each event on prefix.<event type>.
type NATSBus struct {
	conn   natsPublisher
	prefix string
}

func NewNATSBus(url, subjectPrefix string, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("dealflow-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSBus{conn: conn, prefix: subjectPrefix}, nil
}

func (b *NATSBus) Subject(evtType string) string {
	if b.prefix == "" {
		return evtType
	}
	return b.prefix + "." + evtType
}

func (b *NATSBus) Emit(ctx context.Context, msg Message) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return ErrNotConnected
	}
	m := nats.NewMsg(b.Subject(msg.Type))
	m.Data = msg.Body
	m.Header.Set("Dealflow-Event", msg.Type)
	m.Header.Set("Dealflow-Delivery", strconv.FormatInt(msg.ID, 10))
	m.Header.Set("Dealflow-Tenant", msg.TenantID)
	if err := b.conn.PublishMsg(m); err != nil {
		return err
	}
	// flush so a successful Emit means the server has the message
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return b.conn.FlushWithContext(ctx)
}

func (b *NATSBus) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
