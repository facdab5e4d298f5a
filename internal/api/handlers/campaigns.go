package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/mass-dispatch/internal/domain"
	campaignsvc "github.com/acme/mass-dispatch/internal/service/campaign"
	"github.com/acme/mass-dispatch/internal/service/common"
)

const userHeader = "X-User-ID"

type contentRequest struct {
	Text     string `json:"text"`
	MediaURL string `json:"media_url" validate:"omitempty,url"`
	Caption  string `json:"caption"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

type sequenceStepRequest struct {
	Kind         string         `json:"kind" validate:"required,ne=sequence"`
	Content      contentRequest `json:"content"`
	DelaySeconds int            `json:"delay_seconds" validate:"gte=0"`
}

type templateRequest struct {
	Kind     string                `json:"kind" validate:"required,oneof=text image image_caption video video_caption audio file file_caption sequence"`
	Content  contentRequest        `json:"content"`
	Sequence []sequenceStepRequest `json:"sequence" validate:"dive"`
}

type scheduleRequest struct {
	Enabled      bool   `json:"enabled"`
	StartTime    string `json:"start_time" validate:"omitempty,datetime=15:04"`
	PauseTime    string `json:"pause_time" validate:"omitempty,datetime=15:04"`
	TimeZone     string `json:"time_zone" validate:"omitempty,timezone"`
	ExcludedDays []int  `json:"excluded_days" validate:"dive,min=0,max=6"`
}

type settingsRequest struct {
	Speed                string          `json:"speed" validate:"omitempty,oneof=fast normal slow random custom"`
	CustomDelaySeconds   *int            `json:"custom_delay_seconds" validate:"omitempty,gt=0"`
	Schedule             scheduleRequest `json:"schedule"`
	ValidateNumbers      bool            `json:"validate_numbers"`
	CountryNormalization bool            `json:"country_normalization"`
	Personalization      struct {
		Enabled     bool   `json:"enabled"`
		DefaultName string `json:"default_name"`
	} `json:"personalization"`
	AutoDelete struct {
		Enabled      bool `json:"enabled"`
		DelaySeconds int  `json:"delay_seconds" validate:"gte=0"`
	} `json:"auto_delete"`
}

type recipientRequest struct {
	Number string `json:"number" validate:"required"`
	Name   string `json:"name"`
}

type createCampaignRequest struct {
	InstanceID string             `json:"instance_id" validate:"required"`
	Name       string             `json:"name" validate:"required,max=200"`
	Template   templateRequest    `json:"template"`
	Settings   settingsRequest    `json:"settings"`
	Recipients []recipientRequest `json:"recipients" validate:"dive"`
}

type updateCampaignRequest struct {
	Name       *string             `json:"name" validate:"omitempty,min=1,max=200"`
	Template   *templateRequest    `json:"template"`
	Settings   *settingsRequest    `json:"settings"`
	Recipients *[]recipientRequest `json:"recipients" validate:"omitempty,dive"`
}

type recipientResponse struct {
	Number          string                 `json:"number"`
	Name            string                 `json:"name,omitempty"`
	ResolvedName    string                 `json:"resolved_name,omitempty"`
	Valid           bool                   `json:"valid"`
	Validated       bool                   `json:"validated"`
	Status          domain.RecipientStatus `json:"status"`
	SentAt          *time.Time             `json:"sent_at,omitempty"`
	FailedAt        *time.Time             `json:"failed_at,omitempty"`
	Error           string                 `json:"error,omitempty"`
	MessageIDs      []string               `json:"message_ids,omitempty"`
	DeleteScheduled bool                   `json:"delete_scheduled"`
	DeletedAt       *time.Time             `json:"deleted_at,omitempty"`
}

type statisticsResponse struct {
	Total          int `json:"total"`
	Sent           int `json:"sent"`
	Failed         int `json:"failed"`
	Pending        int `json:"pending"`
	Scheduled      int `json:"scheduled"`
	ValidNumbers   int `json:"valid_numbers"`
	InvalidNumbers int `json:"invalid_numbers"`
}

type campaignResponse struct {
	ID               uuid.UUID             `json:"id"`
	UserID           string                `json:"user_id"`
	InstanceID       string                `json:"instance_id"`
	Name             string                `json:"name"`
	Status           domain.CampaignStatus `json:"status"`
	IsActive         bool                  `json:"is_active"`
	CurrentIndex     int                   `json:"current_index"`
	Template         templateRequest       `json:"template"`
	Settings         settingsRequest       `json:"settings"`
	Statistics       statisticsResponse    `json:"statistics"`
	TotalDelay       string                `json:"total_delay,omitempty"`
	Recipients       []recipientResponse   `json:"recipients,omitempty"`
	NextScheduledRun *time.Time            `json:"next_scheduled_run,omitempty"`
	PauseReason      string                `json:"pause_reason,omitempty"`
	Error            string                `json:"error,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	PausedAt         *time.Time            `json:"paused_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type attemptResponse struct {
	ID         uuid.UUID              `json:"id"`
	Index      int                    `json:"index"`
	Number     string                 `json:"number"`
	Status     domain.RecipientStatus `json:"status"`
	MessageIDs []string               `json:"message_ids,omitempty"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	DurationMS int64                  `json:"duration_ms"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	userID, err := requireUser(ctx)
	if err != nil {
		return err
	}

	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.StructCtx(ctx.Context(), req); err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.Context(), campaignsvc.CreateCampaignInput{
		UserID:     userID,
		InstanceID: req.InstanceID,
		Name:       req.Name,
		Template:   req.Template.toDomain(),
		Settings:   req.Settings.toDomain(),
		Recipients: toRecipientInputs(req.Recipients),
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign, true))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	userID, err := requireUser(ctx)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.campaigns.List(ctx.Context(), userID, afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c, false))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	userID, id, err := campaignRef(ctx)
	if err != nil {
		return err
	}

	campaign, err := h.campaigns.Get(ctx.Context(), userID, id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign, true))
}

func (h *HandlerSet) updateCampaign(ctx *fiber.Ctx) error {
	userID, id, err := campaignRef(ctx)
	if err != nil {
		return err
	}

	var req updateCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.StructCtx(ctx.Context(), req); err != nil {
		return translateError(err)
	}

	input := campaignsvc.UpdateCampaignInput{ID: id, UserID: userID, Name: req.Name}
	if req.Template != nil {
		t := req.Template.toDomain()
		input.Template = &t
	}
	if req.Settings != nil {
		s := req.Settings.toDomain()
		input.Settings = &s
	}
	if req.Recipients != nil {
		r := toRecipientInputs(*req.Recipients)
		input.Recipients = &r
	}

	campaign, err := h.campaigns.Update(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign, true))
}

func (h *HandlerSet) deleteCampaign(ctx *fiber.Ctx) error {
	userID, id, err := campaignRef(ctx)
	if err != nil {
		return err
	}
	if err := h.campaigns.Delete(ctx.Context(), userID, id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) validateCampaign(ctx *fiber.Ctx) error {
	userID, id, err := campaignRef(ctx)
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Validate(ctx.Context(), userID, id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toCampaignResponse(campaign, false))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	userID, id, err := campaignRef(ctx)
	if err != nil {
		return err
	}
	stats, err := h.campaigns.Stats(ctx.Context(), userID, id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toStatisticsResponse(stats))
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	userID, id, err := campaignRef(ctx)
	if err != nil {
		return err
	}
	if _, err := h.campaigns.Get(ctx.Context(), userID, id); err != nil {
		return translateError(err)
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	paging, err := common.DecodePageToken(ctx.Query("page_token", ""))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	attempts, next, err := h.journal.List(ctx.Context(), id, limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ID:         a.ID,
			Index:      a.Index,
			Number:     a.Number,
			Status:     a.Status,
			MessageIDs: a.MessageIDs,
			Error:      a.Error,
			CreatedAt:  a.CreatedAt,
			DurationMS: a.Duration.Milliseconds(),
		})
	}
	resp.NextPage = common.EncodePageToken(next)
	return ctx.Status(http.StatusOK).JSON(resp)
}

func requireUser(ctx *fiber.Ctx) (string, error) {
	userID := strings.TrimSpace(ctx.Get(userHeader))
	if userID == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "missing "+userHeader+" header")
	}
	return userID, nil
}

func campaignRef(ctx *fiber.Ctx) (string, uuid.UUID, error) {
	userID, err := requireUser(ctx)
	if err != nil {
		return "", uuid.Nil, err
	}
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return "", uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	return userID, id, nil
}

func (r contentRequest) toDomain() domain.MessageContent {
	return domain.MessageContent{
		Text:     r.Text,
		MediaURL: r.MediaURL,
		Caption:  r.Caption,
		FileName: r.FileName,
		MimeType: r.MimeType,
	}
}

func (r templateRequest) toDomain() domain.MessageTemplate {
	t := domain.MessageTemplate{Kind: domain.TemplateKind(r.Kind), Content: r.Content.toDomain()}
	for _, step := range r.Sequence {
		t.Sequence = append(t.Sequence, domain.SequenceStep{
			Kind:         domain.TemplateKind(step.Kind),
			Content:      step.Content.toDomain(),
			DelaySeconds: step.DelaySeconds,
		})
	}
	return t
}

func (r settingsRequest) toDomain() domain.Settings {
	s := domain.Settings{
		Speed:                domain.Speed(r.Speed),
		CustomDelaySeconds:   r.CustomDelaySeconds,
		ValidateNumbers:      r.ValidateNumbers,
		CountryNormalization: r.CountryNormalization,
		Personalization: domain.Personalization{
			Enabled:     r.Personalization.Enabled,
			DefaultName: r.Personalization.DefaultName,
		},
		AutoDelete: domain.AutoDelete{
			Enabled:      r.AutoDelete.Enabled,
			DelaySeconds: r.AutoDelete.DelaySeconds,
		},
		Schedule: domain.Schedule{
			Enabled:   r.Schedule.Enabled,
			StartTime: r.Schedule.StartTime,
			PauseTime: r.Schedule.PauseTime,
			TimeZone:  r.Schedule.TimeZone,
		},
	}
	for _, d := range r.Schedule.ExcludedDays {
		s.Schedule.ExcludedDays = append(s.Schedule.ExcludedDays, time.Weekday(d))
	}
	return s
}

func toRecipientInputs(reqs []recipientRequest) []campaignsvc.RecipientInput {
	out := make([]campaignsvc.RecipientInput, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, campaignsvc.RecipientInput{Number: r.Number, Name: r.Name})
	}
	return out
}

func fromContent(c domain.MessageContent) contentRequest {
	return contentRequest{Text: c.Text, MediaURL: c.MediaURL, Caption: c.Caption, FileName: c.FileName, MimeType: c.MimeType}
}

func fromTemplate(t domain.MessageTemplate) templateRequest {
	r := templateRequest{Kind: string(t.Kind), Content: fromContent(t.Content)}
	for _, step := range t.Sequence {
		r.Sequence = append(r.Sequence, sequenceStepRequest{
			Kind:         string(step.Kind),
			Content:      fromContent(step.Content),
			DelaySeconds: step.DelaySeconds,
		})
	}
	return r
}

func fromSettings(s domain.Settings) settingsRequest {
	r := settingsRequest{
		Speed:                string(s.Speed),
		CustomDelaySeconds:   s.CustomDelaySeconds,
		ValidateNumbers:      s.ValidateNumbers,
		CountryNormalization: s.CountryNormalization,
		Schedule: scheduleRequest{
			Enabled:   s.Schedule.Enabled,
			StartTime: s.Schedule.StartTime,
			PauseTime: s.Schedule.PauseTime,
			TimeZone:  s.Schedule.TimeZone,
		},
	}
	r.Personalization.Enabled = s.Personalization.Enabled
	r.Personalization.DefaultName = s.Personalization.DefaultName
	r.AutoDelete.Enabled = s.AutoDelete.Enabled
	r.AutoDelete.DelaySeconds = s.AutoDelete.DelaySeconds
	for _, d := range s.Schedule.ExcludedDays {
		r.Schedule.ExcludedDays = append(r.Schedule.ExcludedDays, int(d))
	}
	return r
}

func toStatisticsResponse(s domain.Statistics) statisticsResponse {
	return statisticsResponse{
		Total:          s.Total,
		Sent:           s.Sent,
		Failed:         s.Failed,
		Pending:        s.Pending,
		Scheduled:      s.Scheduled,
		ValidNumbers:   s.ValidNumbers,
		InvalidNumbers: s.InvalidNumbers,
	}
}

func toCampaignResponse(c *domain.Campaign, withRecipients bool) campaignResponse {
	resp := campaignResponse{
		ID:               c.ID,
		UserID:           c.UserID,
		InstanceID:       c.InstanceID,
		Name:             c.Name,
		Status:           c.Status,
		IsActive:         c.IsActive,
		CurrentIndex:     c.CurrentIndex,
		Template:         fromTemplate(c.Template),
		Settings:         fromSettings(c.Settings),
		Statistics:       toStatisticsResponse(c.Statistics),
		NextScheduledRun: c.NextScheduledRun,
		PauseReason:      c.PauseReason,
		Error:            c.Error,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		StartedAt:        c.StartedAt,
		PausedAt:         c.PausedAt,
		CompletedAt:      c.CompletedAt,
	}
	if d := c.Template.TotalDelay(); d > 0 {
		resp.TotalDelay = d.String()
	}
	if withRecipients {
		resp.Recipients = make([]recipientResponse, 0, len(c.Recipients))
		for _, r := range c.Recipients {
			resp.Recipients = append(resp.Recipients, recipientResponse{
				Number:          r.Number,
				Name:            r.Name,
				ResolvedName:    r.ResolvedName,
				Valid:           r.Valid,
				Validated:       r.Validated,
				Status:          r.Status,
				SentAt:          r.SentAt,
				FailedAt:        r.FailedAt,
				Error:           r.Error,
				MessageIDs:      r.MessageIDs,
				DeleteScheduled: r.DeleteScheduled,
				DeletedAt:       r.DeletedAt,
			})
		}
	}
	return resp
}
