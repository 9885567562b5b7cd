package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type NatsPublisher struct {
	conn   *nats.Conn
	prefix string
	now    func() time.Time
}

func NewNatsPublisher(url, prefix string, opts ...nats.Option) (*NatsPublisher, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	opts = append([]nats.Option{
		nats.Name("mcp-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("Event publisher connected", "url", nc.ConnectedUrl(), "subject_prefix", prefix)
	return &NatsPublisher{conn: nc, prefix: prefix, now: time.Now}, nil
}

func (p *NatsPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

func (p *NatsPublisher) Publish(ctx context.Context, e Event) error {
	if p == nil {
		return errors.New("nil publisher")
	}
	if e.Time.IsZero() {
		e.Time = p.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(e.Type), data)
}

func (p *NatsPublisher) Close() {
	if p == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
