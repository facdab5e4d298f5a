package gateway

import (
	"context"

	"github.com/acme/mass-dispatch/internal/domain"
)

// OutboundMessage is one rendered message addressed to one number.
type OutboundMessage struct {
	Instance string
	Number   string
	Kind     domain.TemplateKind
	Content  domain.MessageContent
}

// SendResult identifies a message accepted by the gateway. Queued is set
// when the gateway accepted the message for later delivery.
type SendResult struct {
	MessageID string
	RemoteJID string
	Queued    bool
}

// NumberCheck is the existence verdict for one number.
type NumberCheck struct {
	Number       string
	Valid        bool
	ResolvedName string
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// NumberChecker resolves whether numbers exist on the messaging network.
type NumberChecker interface {
	CheckExistence(ctx context.Context, instance string, numbers []string) ([]NumberCheck, error)
}

// MessageDeleter revokes an already delivered message.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, instance, messageID, remoteJID string) error
}

// Provider is the full gateway surface used by the engine.
type Provider interface {
	Sender
	NumberChecker
	MessageDeleter
}
