package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes live-update events on <prefix>.<userID>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the NATS server.
func NewNATSPublisher(url, prefix, name string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

// Subject returns the channel of one user.
func (p *NATSPublisher) Subject(userID string) string {
	return p.prefix + "." + userID
}

// Publish emits one event.
func (p *NATSPublisher) Publish(ctx context.Context, evt CampaignEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("nats publisher: marshal event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(evt.UserID))
	msg.Data = value
	msg.Header.Set("type", string(evt.Type))
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publisher: publish: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
