package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/repository"
)

// CampaignRepository is an in-process campaign store. Every read returns a
// deep copy so callers never share state with the store.
type CampaignRepository struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
}

// NewCampaignRepository constructs an empty store.
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{campaigns: make(map[uuid.UUID]*domain.Campaign)}
}

func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	r.campaigns[campaign.ID] = campaign.Clone()
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CampaignRepository) List(_ context.Context, userID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.UserID != userID {
			continue
		}
		if afterID != nil && c.ID.String() <= afterID.String() {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CampaignRepository) ListForScheduling(_ context.Context, f repository.ScheduleFilter) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != f.Status {
			continue
		}
		if f.ScheduleEnabled != nil && c.Settings.Schedule.Enabled != *f.ScheduleEnabled {
			continue
		}
		if f.Active != nil && c.IsActive != *f.Active {
			continue
		}
		if f.DueBefore != nil && (c.NextScheduledRun == nil || c.NextScheduledRun.After(*f.DueBefore)) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *CampaignRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.campaigns[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.campaigns, id)
	return nil
}

func (r *CampaignRepository) Mutate(_ context.Context, id uuid.UUID, fn func(*domain.Campaign) error) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now().UTC()
	r.campaigns[id] = working
	return working.Clone(), nil
}

func (r *CampaignRepository) RecordProgress(_ context.Context, id uuid.UUID, p repository.Progress) (repository.ProgressState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok || p.Index < 0 || p.Index >= len(c.Recipients) {
		return repository.ProgressState{}, repository.ErrNotFound
	}
	rec := p.Recipient
	rec.MessageIDs = slices.Clone(rec.MessageIDs)
	c.Recipients[p.Index] = rec
	c.Statistics = p.Statistics
	c.CurrentIndex = max(c.CurrentIndex, p.Index+1)
	c.UpdatedAt = time.Now().UTC()

	return repository.ProgressState{Status: c.Status, IsActive: c.IsActive, CurrentIndex: c.CurrentIndex}, nil
}

func (r *CampaignRepository) MarkDeleted(_ context.Context, id uuid.UUID, index int, deletedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok || index < 0 || index >= len(c.Recipients) {
		return repository.ErrNotFound
	}
	t := deletedAt.UTC()
	c.Recipients[index].DeletedAt = &t
	return nil
}
