package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/gateway"
	"github.com/acme/mass-dispatch/internal/queue"
	"github.com/acme/mass-dispatch/internal/repository"
	"github.com/acme/mass-dispatch/pkg/logger"
)

// run is the executor loop of one campaign. ctx is the cancellation token:
// it is observed before every recipient and during throttle sleeps, never
// during a send or the write that records it.
func (e *Engine) run(ctx context.Context, id uuid.UUID) {
	loadCtx, cancel := e.persistCtx(ctx)
	campaign, err := e.repo.Get(loadCtx, id)
	cancel()
	if err != nil {
		e.logger.Error("dispatch: load campaign", zap.String("campaign_id", id.String()), zap.Error(err))
		return
	}
	if campaign.Status != domain.CampaignStatusRunning || !campaign.IsActive {
		return
	}

	log := e.logger.ForCampaign(campaign.ID, campaign.UserID)
	activeExecutors.Inc()
	defer activeExecutors.Dec()

	log.Info("dispatch: executor started",
		zap.Int("index", campaign.CurrentIndex),
		zap.Int("total", len(campaign.Recipients)),
	)

	sent := false
	for idx := campaign.CurrentIndex; idx < len(campaign.Recipients); idx++ {
		if ctx.Err() != nil {
			log.Info("dispatch: executor stopped", zap.Int("index", idx))
			return
		}

		recipient := campaign.Recipients[idx]
		if !recipient.Valid || !recipient.Pending() {
			continue
		}

		if sent {
			if err := e.clock.Sleep(ctx, domain.NextDelay(campaign.Settings)); err != nil {
				log.Info("dispatch: executor stopped", zap.Int("index", idx))
				return
			}
		}

		if now := e.clock.Now(); !campaign.Settings.Schedule.IsWithin(now) {
			log.Info("dispatch: schedule window closed", zap.Int("index", idx))
			pctx, cancel := e.persistCtx(ctx)
			if err := e.pause(pctx, id, windowClosedReason, true); err != nil {
				log.Error("dispatch: pause on window close", zap.Error(err))
			}
			cancel()
			return
		}

		updated, attempt := e.deliver(ctx, log, campaign, idx, recipient)
		sent = true

		campaign.Recipients[idx] = updated
		campaign.Statistics = domain.ComputeStatistics(campaign.Recipients)

		pctx, cancel := e.persistCtx(ctx)
		state, err := e.repo.RecordProgress(pctx, id, repository.Progress{
			Index:      idx,
			Recipient:  updated,
			Statistics: campaign.Statistics,
		})
		if err == nil {
			if jerr := e.journal.Append(pctx, attempt); jerr != nil {
				log.Warn("dispatch: journal append", zap.Int("index", idx), zap.Error(jerr))
			}
		}
		cancel()
		if err != nil {
			e.fail(ctx, log, id, fmt.Errorf("record progress at %d: %w", idx, err))
			return
		}
		campaign.CurrentIndex = idx + 1

		index := idx
		e.publish(ctx, queue.CampaignEvent{
			Type:         queue.EventProgress,
			CampaignID:   campaign.ID,
			UserID:       campaign.UserID,
			Status:       state.Status,
			CurrentIndex: state.CurrentIndex,
			Statistics:   campaign.Statistics,
			Index:        &index,
			Recipient:    &updated,
			OccurredAt:   e.clock.Now(),
		})

		if state.Status != domain.CampaignStatusRunning || !state.IsActive {
			log.Info("dispatch: campaign stopped out of band", zap.String("status", string(state.Status)))
			return
		}
	}

	e.complete(ctx, log, id)
}

// deliver sends the template to one recipient and returns the updated
// entry. The send runs detached from ctx so that a stop request never
// interrupts it.
func (e *Engine) deliver(ctx context.Context, log *logger.Logger, c *domain.Campaign, idx int, r domain.Recipient) (domain.Recipient, domain.Attempt) {
	sendCtx := context.WithoutCancel(ctx)
	sendCtx, span := otel.Tracer("dispatch.executor").Start(sendCtx, "dispatch.send", trace.WithAttributes(
		attribute.String("campaign.id", c.ID.String()),
		attribute.Int("recipient.index", idx),
		attribute.String("template.kind", string(c.Template.Kind)),
	))
	defer span.End()

	start := e.clock.Now()
	results, err := e.sendTemplate(sendCtx, c, r)
	finished := e.clock.Now()

	attempt := domain.Attempt{
		ID:         uuid.New(),
		CampaignID: c.ID,
		Index:      idx,
		Number:     r.Number,
		CreatedAt:  finished,
		Duration:   finished.Sub(start),
	}
	sendDuration.Observe(attempt.Duration.Seconds())

	queued := false
	for _, res := range results {
		r.MessageIDs = append(r.MessageIDs, res.MessageID)
		if res.RemoteJID != "" {
			r.RemoteJID = res.RemoteJID
		}
		queued = queued || res.Queued
	}
	attempt.MessageIDs = r.MessageIDs

	switch {
	case err != nil:
		// steps of a sequence delivered before the failure keep their ids
		span.RecordError(err)
		r.Status = domain.RecipientStatusFailed
		r.FailedAt = &finished
		r.Error = err.Error()
		log.Warn("dispatch: send failed", zap.Int("index", idx), zap.Int("delivered", len(r.MessageIDs)), zap.Error(err))
	case queued:
		r.Status = domain.RecipientStatusScheduled
		r.SentAt = &finished
		r.Error = ""
	default:
		r.Status = domain.RecipientStatusSent
		r.SentAt = &finished
		r.Error = ""
	}
	attempt.Status = r.Status
	attempt.Error = r.Error
	messagesTotal.WithLabelValues(string(r.Status)).Inc()

	if r.Status != domain.RecipientStatusScheduled && len(r.MessageIDs) > 0 && c.Settings.AutoDelete.Enabled {
		r.DeleteScheduled = e.scheduleDeletions(sendCtx, log, c, idx, r, finished)
	}
	return r, attempt
}

// sendTemplate issues one gateway call per message. A sequence waits each
// step's delay before sending it, except for the first step.
func (e *Engine) sendTemplate(ctx context.Context, c *domain.Campaign, r domain.Recipient) ([]gateway.SendResult, error) {
	if c.Template.Kind != domain.TemplateSequence {
		res, err := e.sendOne(ctx, c, r, c.Template.Kind, c.Template.Content)
		if err != nil {
			return nil, err
		}
		return []gateway.SendResult{res}, nil
	}

	results := make([]gateway.SendResult, 0, len(c.Template.Sequence))
	for i, step := range c.Template.Sequence {
		if i > 0 && step.DelaySeconds > 0 {
			if err := e.clock.Sleep(ctx, time.Duration(step.DelaySeconds)*time.Second); err != nil {
				return results, err
			}
		}
		res, err := e.sendOne(ctx, c, r, step.Kind, step.Content)
		if err != nil {
			return results, fmt.Errorf("sequence step %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) sendOne(ctx context.Context, c *domain.Campaign, r domain.Recipient, kind domain.TemplateKind, content domain.MessageContent) (gateway.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return e.sender.Send(ctx, gateway.OutboundMessage{
		Instance: c.InstanceID,
		Number:   r.Number,
		Kind:     kind,
		Content:  domain.Render(content, r, c.Settings.Personalization),
	})
}

func (e *Engine) scheduleDeletions(ctx context.Context, log *logger.Logger, c *domain.Campaign, idx int, r domain.Recipient, deliveredAt time.Time) bool {
	if e.deletions == nil {
		log.Warn("dispatch: auto-delete requested but no deletion queue configured", zap.Int("index", idx))
		return false
	}
	due := deliveredAt.Add(c.Settings.AutoDelete.Delay())
	scheduled := len(r.MessageIDs) > 0
	for _, messageID := range r.MessageIDs {
		msg := queue.DeletionMessage{
			CampaignID: c.ID,
			UserID:     c.UserID,
			Instance:   c.InstanceID,
			Index:      idx,
			MessageID:  messageID,
			RemoteJID:  r.RemoteJID,
			DueAt:      due,
			EnqueuedAt: e.clock.Now(),
		}
		if err := e.deletions.Publish(ctx, msg); err != nil {
			scheduled = false
			log.Warn("dispatch: schedule deletion", zap.Int("index", idx), zap.String("message_id", messageID), zap.Error(err))
		}
	}
	return scheduled
}

// complete marks the campaign completed unless it was stopped meanwhile.
func (e *Engine) complete(ctx context.Context, log *logger.Logger, id uuid.UUID) {
	now := e.clock.Now()
	pctx, cancel := e.persistCtx(ctx)
	defer cancel()

	campaign, err := e.repo.Mutate(pctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignStatusRunning {
			return errNoop
		}
		if err := c.Transition(domain.CampaignStatusCompleted); err != nil {
			return err
		}
		c.CurrentIndex = len(c.Recipients)
		c.CompletedAt = &now
		c.IsActive = false
		c.RefreshStatistics()
		return nil
	})
	if errors.Is(err, errNoop) {
		return
	}
	if err != nil {
		e.fail(ctx, log, id, fmt.Errorf("complete: %w", err))
		return
	}

	transitionsTotal.WithLabelValues(string(domain.CampaignStatusCompleted)).Inc()
	log.Info("dispatch: campaign completed",
		zap.Int("sent", campaign.Statistics.Sent),
		zap.Int("failed", campaign.Statistics.Failed),
	)
	e.notifyStatus(ctx, campaign, "")
}

// fail records an executor-fatal error. The campaign stays running with its
// last good cursor so that recovery picks it up again.
func (e *Engine) fail(ctx context.Context, log *logger.Logger, id uuid.UUID, cause error) {
	executorFailures.Inc()
	log.Error("dispatch: executor failed", zap.Error(cause))

	pctx, cancel := e.persistCtx(ctx)
	defer cancel()
	if _, err := e.repo.Mutate(pctx, id, func(c *domain.Campaign) error {
		c.Error = cause.Error()
		c.IsActive = false
		return nil
	}); err != nil {
		log.Error("dispatch: record executor failure", zap.Error(err))
	}
}
