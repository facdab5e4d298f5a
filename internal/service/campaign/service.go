package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/gateway"
	"github.com/acme/mass-dispatch/internal/repository"
	"github.com/acme/mass-dispatch/internal/service/common"
	apperrors "github.com/acme/mass-dispatch/pkg/errors"
	"github.com/acme/mass-dispatch/pkg/logger"
)

const defaultValidationBatch = 50

// Service orchestrates campaign authoring and number validation.
type Service struct {
	repo      repository.CampaignRepository
	checker   gateway.NumberChecker
	clock     common.Clock
	logger    *logger.Logger
	batchSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	checker gateway.NumberChecker,
	clock common.Clock,
	log *logger.Logger,
	batchSize int,
) *Service {
	if batchSize <= 0 {
		batchSize = defaultValidationBatch
	}
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		checker:   checker,
		clock:     clock,
		logger:    log,
		batchSize: batchSize,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RecipientInput is one caller-supplied phone number.
type RecipientInput struct {
	Number string
	Name   string
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	UserID     string
	InstanceID string
	Name       string
	Template   domain.MessageTemplate
	Settings   domain.Settings
	Recipients []RecipientInput
}

// UpdateCampaignInput captures updatable properties of a draft.
type UpdateCampaignInput struct {
	ID         uuid.UUID
	UserID     string
	Name       *string
	Template   *domain.MessageTemplate
	Settings   *domain.Settings
	Recipients *[]RecipientInput
}

// Create provisions a new draft campaign.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	campaign := &domain.Campaign{
		ID:         uuid.New(),
		UserID:     input.UserID,
		InstanceID: input.InstanceID,
		Name:       strings.TrimSpace(input.Name),
		Template:   input.Template,
		Recipients: buildRecipients(input.Recipients, input.Settings.CountryNormalization),
		Settings:   normalizeSettings(input.Settings),
		Status:     domain.CampaignStatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	campaign.RefreshStatistics()

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	return campaign, nil
}

// Get retrieves a campaign owned by userID. An empty userID skips the
// ownership check.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && campaign.UserID != userID {
		return nil, apperrors.ErrNotFound
	}
	return campaign, nil
}

// List returns the campaigns of one user.
func (s *Service) List(ctx context.Context, userID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	return s.repo.List(ctx, userID, afterID, limit)
}

// Update modifies a draft campaign.
func (s *Service) Update(ctx context.Context, input UpdateCampaignInput) (*domain.Campaign, error) {
	if err := validateUpdateInput(input); err != nil {
		return nil, err
	}

	return s.repo.Mutate(ctx, input.ID, func(c *domain.Campaign) error {
		if input.UserID != "" && c.UserID != input.UserID {
			return apperrors.ErrNotFound
		}
		if c.Status != domain.CampaignStatusDraft {
			return fmt.Errorf("%w: campaign is %s, only drafts can be edited", apperrors.ErrConflict, c.Status)
		}
		if input.Name != nil {
			c.Name = strings.TrimSpace(*input.Name)
		}
		if input.Template != nil {
			c.Template = *input.Template
		}
		if input.Settings != nil {
			c.Settings = normalizeSettings(*input.Settings)
		}
		if input.Recipients != nil {
			c.Recipients = buildRecipients(*input.Recipients, c.Settings.CountryNormalization)
			c.CurrentIndex = 0
		}
		c.Error = ""
		c.RefreshStatistics()
		return nil
	})
}

// Delete removes a campaign that is not being dispatched or validated.
func (s *Service) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	campaign, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case domain.CampaignStatusRunning, domain.CampaignStatusValidating:
		return fmt.Errorf("%w: campaign is %s", apperrors.ErrConflict, campaign.Status)
	}
	return s.repo.Delete(ctx, id)
}

// Stats retrieves the aggregate counters.
func (s *Service) Stats(ctx context.Context, userID string, id uuid.UUID) (domain.Statistics, error) {
	campaign, err := s.Get(ctx, userID, id)
	if err != nil {
		return domain.Statistics{}, err
	}
	return campaign.Statistics, nil
}

// Validate moves a draft to validating and checks its numbers in the
// background. The campaign becomes ready when every batch has been checked,
// or returns to draft with the error recorded.
func (s *Service) Validate(ctx context.Context, userID string, id uuid.UUID) (*domain.Campaign, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, apperrors.ErrUnavailable
	}

	campaign, err := s.repo.Mutate(ctx, id, func(c *domain.Campaign) error {
		if userID != "" && c.UserID != userID {
			return apperrors.ErrNotFound
		}
		if len(c.Recipients) == 0 {
			return fmt.Errorf("%w: campaign has no recipients", apperrors.ErrValidation)
		}
		if err := c.Transition(domain.CampaignStatusValidating); err != nil {
			return err
		}
		c.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runValidation(campaign.Clone())
	}()
	return campaign, nil
}

// Wait blocks until background validations have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close aborts background validations and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) runValidation(c *domain.Campaign) {
	log := s.logger.ForCampaign(c.ID, c.UserID)
	ctx := s.ctx

	checks, err := s.checkNumbers(ctx, c)
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		log.Warn("campaign: number validation failed", zap.Error(err))
		if _, merr := s.repo.Mutate(persistCtx, c.ID, func(stored *domain.Campaign) error {
			if stored.Status != domain.CampaignStatusValidating {
				return errStale
			}
			stored.Error = err.Error()
			return stored.Transition(domain.CampaignStatusDraft)
		}); merr != nil && !errors.Is(merr, errStale) {
			log.Error("campaign: revert to draft", zap.Error(merr))
		}
		return
	}

	updated, err := s.repo.Mutate(persistCtx, c.ID, func(stored *domain.Campaign) error {
		if stored.Status != domain.CampaignStatusValidating {
			return errStale
		}
		for i := range stored.Recipients {
			r := &stored.Recipients[i]
			if r.Validated && !r.Valid {
				continue
			}
			check, ok := checks[r.Number]
			r.Validated = true
			r.Valid = ok && check.Valid
			if ok && check.ResolvedName != "" {
				r.ResolvedName = check.ResolvedName
			}
		}
		stored.RefreshStatistics()
		return stored.Transition(domain.CampaignStatusReady)
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			log.Error("campaign: store validation result", zap.Error(err))
		}
		return
	}
	log.Info("campaign: validation completed",
		zap.Int("valid", updated.Statistics.ValidNumbers),
		zap.Int("invalid", updated.Statistics.InvalidNumbers),
	)
}

var errStale = errors.New("campaign left validating")

// checkNumbers resolves every format-valid number. Without number
// validation every such number is accepted as is.
func (s *Service) checkNumbers(ctx context.Context, c *domain.Campaign) (map[string]gateway.NumberCheck, error) {
	numbers := make([]string, 0, len(c.Recipients))
	for _, r := range c.Recipients {
		if r.Validated && !r.Valid {
			continue
		}
		numbers = append(numbers, r.Number)
	}

	out := make(map[string]gateway.NumberCheck, len(numbers))
	if !c.Settings.ValidateNumbers || s.checker == nil {
		for _, n := range numbers {
			out[n] = gateway.NumberCheck{Number: n, Valid: true}
		}
		return out, nil
	}

	for start := 0; start < len(numbers); start += s.batchSize {
		end := min(start+s.batchSize, len(numbers))
		checks, err := s.checker.CheckExistence(ctx, c.InstanceID, numbers[start:end])
		if err != nil {
			return nil, fmt.Errorf("check numbers %d-%d: %w", start, end, err)
		}
		for _, ch := range checks {
			out[ch.Number] = ch
		}
	}
	return out, nil
}

// buildRecipients normalizes numbers and drops duplicates, keeping the
// first occurrence. Numbers that cannot be normalized are kept and marked
// invalid.
func buildRecipients(inputs []RecipientInput, brazil bool) []domain.Recipient {
	seen := make(map[string]struct{}, len(inputs))
	out := make([]domain.Recipient, 0, len(inputs))
	for _, in := range inputs {
		number, ok := domain.NormalizeNumber(in.Number, brazil)
		if _, dup := seen[number]; dup {
			continue
		}
		seen[number] = struct{}{}

		r := domain.Recipient{
			Input:  in.Number,
			Number: number,
			Name:   strings.TrimSpace(in.Name),
			Status: domain.RecipientStatusPending,
		}
		if !ok {
			r.Validated = true
			r.Error = "invalid phone number"
		}
		out = append(out, r)
	}
	return out
}

func normalizeSettings(s domain.Settings) domain.Settings {
	if s.Speed == "" {
		s.Speed = domain.SpeedNormal
	}
	return s
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.InstanceID) == "" {
		return fmt.Errorf("%w: instance id is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if err := input.Template.Validate(); err != nil {
		return err
	}
	return input.Settings.Validate()
}

func validateUpdateInput(input UpdateCampaignInput) error {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.Template != nil {
		if err := input.Template.Validate(); err != nil {
			return err
		}
	}
	if input.Settings != nil {
		if err := input.Settings.Validate(); err != nil {
			return err
		}
	}
	return nil
}
