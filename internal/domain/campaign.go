package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft      CampaignStatus = "draft"
	CampaignStatusValidating CampaignStatus = "validating"
	CampaignStatusReady      CampaignStatus = "ready"
	CampaignStatusRunning    CampaignStatus = "running"
	CampaignStatusPaused     CampaignStatus = "paused"
	CampaignStatusCompleted  CampaignStatus = "completed"
	CampaignStatusCancelled  CampaignStatus = "cancelled"
)

// RecipientStatus enumerates the send outcome of a single recipient.
type RecipientStatus string

const (
	RecipientStatusPending   RecipientStatus = "pending"
	RecipientStatusSent      RecipientStatus = "sent"
	RecipientStatusFailed    RecipientStatus = "failed"
	RecipientStatusScheduled RecipientStatus = "scheduled"
)

// Campaign models a mass dispatch job.
type Campaign struct {
	ID               uuid.UUID       `json:"id"`
	UserID           string          `json:"userId"`
	InstanceID       string          `json:"instanceId"`
	Name             string          `json:"name"`
	Template         MessageTemplate `json:"template"`
	Recipients       []Recipient     `json:"recipients"`
	Settings         Settings        `json:"settings"`
	Statistics       Statistics      `json:"statistics"`
	Status           CampaignStatus  `json:"status"`
	IsActive         bool            `json:"isActive"`
	CurrentIndex     int             `json:"currentIndex"`
	NextScheduledRun *time.Time      `json:"nextScheduledRun,omitempty"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	PausedAt         *time.Time      `json:"pausedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	PauseReason      string          `json:"pauseReason,omitempty"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Recipient is one phone number's tracked state within a campaign.
type Recipient struct {
	Input           string          `json:"input"`
	Number          string          `json:"number"`
	Validated       bool            `json:"validated"`
	Valid           bool            `json:"valid"`
	Name            string          `json:"name,omitempty"`
	ResolvedName    string          `json:"resolvedName,omitempty"`
	Status          RecipientStatus `json:"status"`
	SentAt          *time.Time      `json:"sentAt,omitempty"`
	FailedAt        *time.Time      `json:"failedAt,omitempty"`
	Error           string          `json:"error,omitempty"`
	MessageIDs      []string        `json:"messageIds,omitempty"`
	RemoteJID       string          `json:"remoteJid,omitempty"`
	DeleteScheduled bool            `json:"deleteScheduled"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
}

// Pending reports whether the recipient still awaits a send attempt.
func (r Recipient) Pending() bool {
	return r.Status == RecipientStatusPending || r.Status == ""
}

// Statistics is a fold over the recipient list.
type Statistics struct {
	Total          int `json:"total"`
	Sent           int `json:"sent"`
	Failed         int `json:"failed"`
	Pending        int `json:"pending"`
	Scheduled      int `json:"scheduled"`
	ValidNumbers   int `json:"validNumbers"`
	InvalidNumbers int `json:"invalidNumbers"`
}

// ComputeStatistics recomputes the aggregate counters from recipients.
func ComputeStatistics(recipients []Recipient) Statistics {
	stats := Statistics{Total: len(recipients)}
	for _, r := range recipients {
		switch r.Status {
		case RecipientStatusSent:
			stats.Sent++
		case RecipientStatusFailed:
			stats.Failed++
		case RecipientStatusScheduled:
			stats.Scheduled++
		default:
			stats.Pending++
		}
		if r.Validated {
			if r.Valid {
				stats.ValidNumbers++
			} else {
				stats.InvalidNumbers++
			}
		}
	}
	return stats
}

// RefreshStatistics recomputes Statistics in place.
func (c *Campaign) RefreshStatistics() {
	c.Statistics = ComputeStatistics(c.Recipients)
}

// Remaining returns how many recipients sit at or after the cursor.
func (c *Campaign) Remaining() int {
	if c.CurrentIndex >= len(c.Recipients) {
		return 0
	}
	return len(c.Recipients) - c.CurrentIndex
}

// Clone returns a deep copy safe to hand out of a store.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Recipients = make([]Recipient, len(c.Recipients))
	for i, r := range c.Recipients {
		r.MessageIDs = append([]string(nil), r.MessageIDs...)
		cp.Recipients[i] = r
	}
	cp.Template.Sequence = append([]SequenceStep(nil), c.Template.Sequence...)
	cp.Settings.Schedule.ExcludedDays = append([]time.Weekday(nil), c.Settings.Schedule.ExcludedDays...)
	if c.Settings.CustomDelaySeconds != nil {
		v := *c.Settings.CustomDelaySeconds
		cp.Settings.CustomDelaySeconds = &v
	}
	return &cp
}

// Attempt captures a single send attempt for the audit journal.
type Attempt struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	Index      int
	Number     string
	Status     RecipientStatus
	MessageIDs []string
	Error      string
	CreatedAt  time.Time
	Duration   time.Duration
}
