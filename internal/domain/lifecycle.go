package domain

import (
	"fmt"

	apperrors "github.com/acme/mass-dispatch/pkg/errors"
)

var transitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:      {CampaignStatusValidating, CampaignStatusCancelled},
	CampaignStatusValidating: {CampaignStatusReady, CampaignStatusDraft, CampaignStatusCancelled},
	CampaignStatusReady:      {CampaignStatusRunning, CampaignStatusCancelled},
	CampaignStatusRunning:    {CampaignStatusPaused, CampaignStatusCompleted, CampaignStatusCancelled},
	CampaignStatusPaused:     {CampaignStatusRunning, CampaignStatusCancelled},
}

// IsTerminal reports whether no further transition is accepted.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the campaign to the target status. The cursor is left
// untouched.
func (c *Campaign) Transition(to CampaignStatus) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("campaign %s: %s -> %s: %w", c.ID, c.Status, to, apperrors.ErrInvalidTransition)
	}
	c.Status = to
	if to.IsTerminal() || to == CampaignStatusPaused {
		c.IsActive = false
	}
	return nil
}
