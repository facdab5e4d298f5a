package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/mass-dispatch/internal/domain"
	apperrors "github.com/acme/mass-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// ScheduleFilter narrows campaigns considered by the scheduler and recovery.
type ScheduleFilter struct {
	Status          domain.CampaignStatus
	ScheduleEnabled *bool
	Active          *bool
	DueBefore       *time.Time
	Limit           int
}

// Progress is the outcome of a single executor step. It is applied in one
// atomic write: the recipient entry at Index, the recomputed statistics and
// the cursor advanced to Index+1.
type Progress struct {
	Index      int
	Recipient  domain.Recipient
	Statistics domain.Statistics
}

// ProgressState is the campaign state observed right after a progress write.
type ProgressState struct {
	Status       domain.CampaignStatus
	IsActive     bool
	CurrentIndex int
}

// CampaignRepository is the campaign record store.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	List(ctx context.Context, userID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListForScheduling(ctx context.Context, filter ScheduleFilter) ([]*domain.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Mutate performs a locked read-modify-write of one campaign. When fn
	// returns an error nothing is written.
	Mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Campaign) error) (*domain.Campaign, error)
	RecordProgress(ctx context.Context, id uuid.UUID, p Progress) (ProgressState, error)
	MarkDeleted(ctx context.Context, id uuid.UUID, index int, deletedAt time.Time) error
}

// AttemptJournal is the append-only per-send audit trail.
type AttemptJournal interface {
	Append(ctx context.Context, attempt domain.Attempt) error
	List(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.Attempt, []byte, error)
}

// NopJournal discards attempts.
type NopJournal struct{}

func (NopJournal) Append(context.Context, domain.Attempt) error { return nil }

func (NopJournal) List(context.Context, uuid.UUID, int, []byte) ([]domain.Attempt, []byte, error) {
	return nil, nil, nil
}

// BoolPtr is a helper for filter fields.
func BoolPtr(v bool) *bool { return &v }
