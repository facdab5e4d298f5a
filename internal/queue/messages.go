package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/mass-dispatch/internal/domain"
)

// EventType names a live-update event.
type EventType string

const (
	// EventProgress is emitted after every per-recipient step.
	EventProgress EventType = "campaign.progress"
	// EventStatus is emitted on every lifecycle transition.
	EventStatus EventType = "campaign.status"
)

// CampaignEvent is the live-update payload addressed to the owning user.
type CampaignEvent struct {
	Type         EventType             `json:"type"`
	CampaignID   uuid.UUID             `json:"campaign_id"`
	UserID       string                `json:"user_id"`
	Status       domain.CampaignStatus `json:"status"`
	CurrentIndex int                   `json:"current_index"`
	Statistics   domain.Statistics     `json:"statistics"`
	Index        *int                  `json:"index,omitempty"`
	Recipient    *domain.Recipient     `json:"recipient,omitempty"`
	Campaign     *domain.Campaign      `json:"campaign,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	OccurredAt   time.Time             `json:"occurred_at"`
}

// DeletionMessage asks the deletion worker to revoke one delivered message
// once DueAt has passed.
type DeletionMessage struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	UserID     string    `json:"user_id"`
	Instance   string    `json:"instance"`
	Index      int       `json:"index"`
	MessageID  string    `json:"message_id"`
	RemoteJID  string    `json:"remote_jid"`
	DueAt      time.Time `json:"due_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
