package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type pauseRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type schedulerResponse struct {
	Running         bool       `json:"running"`
	IntervalSeconds float64    `json:"interval_seconds"`
	LastTick        *time.Time `json:"last_tick,omitempty"`
	NextTick        *time.Time `json:"next_tick,omitempty"`
	EngineReady     bool       `json:"engine_ready"`
	ActiveExecutors int        `json:"active_executors"`
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	return h.control(ctx, h.engine.Start)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.control(ctx, h.engine.Resume)
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	return h.control(ctx, h.engine.Cancel)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	var req pauseRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
		if err := h.validate.StructCtx(ctx.Context(), req); err != nil {
			return translateError(err)
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "paused by user"
	}
	return h.control(ctx, func(c context.Context, id uuid.UUID) error {
		return h.engine.Pause(c, id, reason)
	})
}

// control checks ownership, applies op and returns the resulting campaign.
func (h *HandlerSet) control(ctx *fiber.Ctx, op func(context.Context, uuid.UUID) error) error {
	userID, id, err := campaignRef(ctx)
	if err != nil {
		return err
	}
	if _, err := h.campaigns.Get(ctx.Context(), userID, id); err != nil {
		return translateError(err)
	}
	if err := op(ctx.Context(), id); err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Get(ctx.Context(), userID, id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign, false))
}

func (h *HandlerSet) schedulerStats(ctx *fiber.Ctx) error {
	resp := schedulerResponse{
		EngineReady:     h.engine.Ready(),
		ActiveExecutors: h.engine.Running(),
	}
	if h.scheduler != nil {
		st := h.scheduler.Stats()
		resp.Running = st.Running
		resp.IntervalSeconds = st.Interval.Seconds()
		resp.LastTick = st.LastTick
		resp.NextTick = st.NextTick
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) schedulerCheck(ctx *fiber.Ctx) error {
	if h.scheduler == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "scheduler not running on this instance")
	}
	h.scheduler.CheckNow()
	return ctx.SendStatus(http.StatusAccepted)
}
