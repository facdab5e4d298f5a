package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/repository"
)

const recoveryBatch = 10000

// Recover re-adopts every campaign persisted as running and clears stale
// active flags left by a crashed process. Control operations are accepted
// once it returns. Failures on a single campaign are logged and skipped.
func (e *Engine) Recover(ctx context.Context) error {
	running, err := e.repo.ListForScheduling(ctx, repository.ScheduleFilter{
		Status: domain.CampaignStatusRunning,
		Limit:  recoveryBatch,
	})
	if err != nil {
		return fmt.Errorf("recover: list running campaigns: %w", err)
	}

	resumed := 0
	for _, c := range running {
		log := e.logger.ForCampaign(c.ID, c.UserID)
		if err := e.adopt(ctx, c.ID); err != nil {
			if !isNoop(err) {
				log.Warn("recover: adopt campaign", zap.Error(err))
			}
			continue
		}
		resumed++
		log.Info("recover: campaign resumed", zap.Int("index", c.CurrentIndex))
	}

	cleared := 0
	for _, status := range []domain.CampaignStatus{
		domain.CampaignStatusDraft,
		domain.CampaignStatusValidating,
		domain.CampaignStatusReady,
		domain.CampaignStatusPaused,
		domain.CampaignStatusCompleted,
		domain.CampaignStatusCancelled,
	} {
		stale, err := e.repo.ListForScheduling(ctx, repository.ScheduleFilter{
			Status: status,
			Active: repository.BoolPtr(true),
			Limit:  recoveryBatch,
		})
		if err != nil {
			e.logger.Warn("recover: list stale campaigns", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		for _, c := range stale {
			if _, err := e.repo.Mutate(ctx, c.ID, func(c *domain.Campaign) error {
				if c.Status == domain.CampaignStatusRunning || !c.IsActive {
					return errNoop
				}
				c.IsActive = false
				return nil
			}); err != nil && !isNoop(err) {
				e.logger.Warn("recover: clear active flag", zap.String("campaign_id", c.ID.String()), zap.Error(err))
				continue
			}
			cleared++
		}
	}

	e.ready.Store(true)
	e.logger.Info("recover: engine ready", zap.Int("resumed", resumed), zap.Int("cleared", cleared))
	return nil
}

// adopt marks a running campaign active and launches its executor.
func (e *Engine) adopt(ctx context.Context, id uuid.UUID) error {
	unlock := e.lock(id)
	defer unlock()

	if _, err := e.repo.Mutate(ctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignStatusRunning {
			return errNoop
		}
		c.IsActive = true
		c.Error = ""
		return nil
	}); err != nil {
		return err
	}
	e.launch(id)
	return nil
}
