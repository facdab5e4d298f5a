package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/mass-dispatch/internal/domain"
)

// AttemptStore persists the per-send audit journal in Scylla, partitioned by
// campaign and clustered newest first.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append inserts one attempt row.
func (s *AttemptStore) Append(ctx context.Context, a domain.Attempt) error {
	if err := s.session.Query(`INSERT INTO attempts_by_campaign (campaign_id, created_at, attempt_id, idx, number, status, message_ids, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CampaignID.String(), a.CreatedAt, a.ID.String(), a.Index, a.Number, string(a.Status),
		a.MessageIDs, a.Error, a.Duration.Milliseconds(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: append: %w", err)
	}
	return nil
}

// List pages through the attempts of one campaign.
func (s *AttemptStore) List(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.Attempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT created_at, attempt_id, idx, number, status, message_ids, error, duration_ms
		FROM attempts_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.Attempt, 0, limit)

	var (
		created    time.Time
		idStr      string
		idx        int
		number     string
		status     string
		messageIDs []string
		errText    string
		durationMs int64
	)

	for iter.Scan(&created, &idStr, &idx, &number, &status, &messageIDs, &errText, &durationMs) {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.Attempt{
			ID:         id,
			CampaignID: campaignID,
			Index:      idx,
			Number:     number,
			Status:     domain.RecipientStatus(status),
			MessageIDs: append([]string(nil), messageIDs...),
			Error:      errText,
			CreatedAt:  created,
			Duration:   time.Duration(durationMs) * time.Millisecond,
		})
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt store: iter close: %w", err)
	}

	return attempts, nextState, nil
}
