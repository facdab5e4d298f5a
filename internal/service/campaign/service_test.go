package campaign

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/gateway"
	"github.com/acme/mass-dispatch/internal/repository/memory"
	apperrors "github.com/acme/mass-dispatch/pkg/errors"
)

type stubChecker struct {
	batches [][]string
	invalid map[string]bool
	names   map[string]string
	err     error
}

func (c *stubChecker) CheckExistence(_ context.Context, _ string, numbers []string) ([]gateway.NumberCheck, error) {
	c.batches = append(c.batches, append([]string(nil), numbers...))
	if c.err != nil {
		return nil, c.err
	}
	out := make([]gateway.NumberCheck, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, gateway.NumberCheck{Number: n, Valid: !c.invalid[n], ResolvedName: c.names[n]})
	}
	return out, nil
}

func validInput() CreateCampaignInput {
	return CreateCampaignInput{
		UserID:     "user-1",
		InstanceID: "sales",
		Name:       "promo",
		Template: domain.MessageTemplate{
			Kind:    domain.TemplateText,
			Content: domain.MessageContent{Text: "Hi {name}"},
		},
		Settings: domain.Settings{ValidateNumbers: true},
		Recipients: []RecipientInput{
			{Number: "+55 (11) 98765-4321", Name: "Ana"},
			{Number: "5511987654322"},
			{Number: "5511987654321"},
			{Number: "12"},
		},
	}
}

func TestValidateCreateInputFailures(t *testing.T) {
	bad := func(mut func(*CreateCampaignInput)) CreateCampaignInput {
		in := validInput()
		mut(&in)
		return in
	}
	cases := []CreateCampaignInput{
		bad(func(in *CreateCampaignInput) { in.Name = " " }),
		bad(func(in *CreateCampaignInput) { in.UserID = "" }),
		bad(func(in *CreateCampaignInput) { in.InstanceID = "" }),
		bad(func(in *CreateCampaignInput) { in.Template.Content.Text = "" }),
		bad(func(in *CreateCampaignInput) { in.Settings.Speed = "warp" }),
		bad(func(in *CreateCampaignInput) { in.Settings.Schedule.TimeZone = "Mars/Olympus" }),
		bad(func(in *CreateCampaignInput) { in.Settings.Schedule.StartTime = "25:00" }),
	}

	for _, tc := range cases {
		err := validateCreateInput(tc)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for input %+v, got %v", tc, err)
		}
	}
}

func TestValidateCreateInputSuccess(t *testing.T) {
	if err := validateCreateInput(validInput()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateNormalizesAndDeduplicates(t *testing.T) {
	svc := NewService(memory.NewCampaignRepository(), nil, nil, nil, 0)

	c, err := svc.Create(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignStatusDraft, c.Status)
	assert.Equal(t, domain.SpeedNormal, c.Settings.Speed)
	require.Len(t, c.Recipients, 3)
	assert.Equal(t, "5511987654321", c.Recipients[0].Number)
	assert.Equal(t, "Ana", c.Recipients[0].Name)
	assert.Equal(t, "5511987654322", c.Recipients[1].Number)
	assert.True(t, c.Recipients[2].Validated)
	assert.False(t, c.Recipients[2].Valid)
	assert.Equal(t, 3, c.Statistics.Total)
	assert.Equal(t, 1, c.Statistics.InvalidNumbers)
}

func TestUpdateOnlyDrafts(t *testing.T) {
	repo := memory.NewCampaignRepository()
	svc := NewService(repo, nil, nil, nil, 0)
	ctx := context.Background()

	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	name := "renamed"
	updated, err := svc.Update(ctx, UpdateCampaignInput{ID: c.ID, UserID: "user-1", Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	_, err = svc.Update(ctx, UpdateCampaignInput{ID: c.ID, UserID: "someone-else", Name: &name})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = repo.Mutate(ctx, c.ID, func(c *domain.Campaign) error {
		c.Status = domain.CampaignStatusReady
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Update(ctx, UpdateCampaignInput{ID: c.ID, Name: &name})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestDeleteRejectsRunningCampaign(t *testing.T) {
	repo := memory.NewCampaignRepository()
	svc := NewService(repo, nil, nil, nil, 0)
	ctx := context.Background()

	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = repo.Mutate(ctx, c.ID, func(c *domain.Campaign) error {
		c.Status = domain.CampaignStatusRunning
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, "user-1", c.ID), apperrors.ErrConflict)

	_, err = repo.Mutate(ctx, c.ID, func(c *domain.Campaign) error {
		c.Status = domain.CampaignStatusPaused
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "user-1", c.ID))

	_, err = svc.Get(ctx, "user-1", c.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestValidateResolvesNumbersInBatches(t *testing.T) {
	checker := &stubChecker{
		invalid: map[string]bool{"5511987654322": true},
		names:   map[string]string{"5511987654321": "Ana Maria"},
	}
	svc := NewService(memory.NewCampaignRepository(), checker, nil, nil, 1)
	ctx := context.Background()

	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	validating, err := svc.Validate(ctx, "user-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusValidating, validating.Status)
	svc.Wait()

	got, err := svc.Get(ctx, "user-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusReady, got.Status)
	assert.Equal(t, [][]string{{"5511987654321"}, {"5511987654322"}}, checker.batches)
	assert.True(t, got.Recipients[0].Valid)
	assert.Equal(t, "Ana Maria", got.Recipients[0].ResolvedName)
	assert.False(t, got.Recipients[1].Valid)
	assert.False(t, got.Recipients[2].Valid)
	assert.Equal(t, 1, got.Statistics.ValidNumbers)
	assert.Equal(t, 2, got.Statistics.InvalidNumbers)
}

func TestValidateFailureReturnsToDraft(t *testing.T) {
	checker := &stubChecker{err: errors.New("instance disconnected")}
	svc := NewService(memory.NewCampaignRepository(), checker, nil, nil, 0)
	ctx := context.Background()

	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = svc.Validate(ctx, "user-1", c.ID)
	require.NoError(t, err)
	svc.Wait()

	got, err := svc.Get(ctx, "", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusDraft, got.Status)
	assert.Contains(t, got.Error, "instance disconnected")
}

func TestValidateWithoutNumberCheck(t *testing.T) {
	checker := &stubChecker{}
	svc := NewService(memory.NewCampaignRepository(), checker, nil, nil, 0)
	ctx := context.Background()

	in := validInput()
	in.Settings.ValidateNumbers = false
	c, err := svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, "user-1", c.ID)
	require.NoError(t, err)
	svc.Wait()

	got, err := svc.Get(ctx, "", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusReady, got.Status)
	assert.Empty(t, checker.batches)
	assert.Equal(t, 2, got.Statistics.ValidNumbers)
}

func TestValidateRequiresDraftWithRecipients(t *testing.T) {
	svc := NewService(memory.NewCampaignRepository(), nil, nil, nil, 0)
	ctx := context.Background()

	in := validInput()
	in.Recipients = nil
	c, err := svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, "user-1", c.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	full, err := svc.Create(ctx, validInput())
	require.NoError(t, err)
	_, err = svc.Validate(ctx, "user-1", full.ID)
	require.NoError(t, err)
	svc.Wait()

	_, err = svc.Validate(ctx, "user-1", full.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}
