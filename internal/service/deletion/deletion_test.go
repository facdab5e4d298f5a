package deletion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/queue"
	"github.com/acme/mass-dispatch/internal/repository/memory"
	"github.com/acme/mass-dispatch/pkg/logger"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return nil
}

type countingDeleter struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDeleter) DeleteMessage(context.Context, string, string, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

// flakyStamps fails the first failures MarkDeleted calls.
type flakyStamps struct {
	*memory.CampaignRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyStamps) MarkDeleted(ctx context.Context, id uuid.UUID, index int, at time.Time) error {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.failures
	r.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return r.CampaignRepository.MarkDeleted(ctx, id, index, at)
}

func seedCampaign(t *testing.T, repo *memory.CampaignRepository) uuid.UUID {
	t.Helper()
	c := &domain.Campaign{
		ID:     uuid.New(),
		UserID: "user-1",
		Status: domain.CampaignStatusRunning,
		Recipients: []domain.Recipient{
			{Number: "5511987654321", Valid: true, Status: domain.RecipientStatusSent, MessageIDs: []string{"ABC"}},
		},
	}
	require.NoError(t, repo.Create(context.Background(), c))
	return c.ID
}

func TestExecuteRetriesOnlyTheStamp(t *testing.T) {
	repo := &flakyStamps{CampaignRepository: memory.NewCampaignRepository(), failures: 2}
	id := seedCampaign(t, repo.CampaignRepository)
	deleter := &countingDeleter{}
	clock := &stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	exec := NewExecutor(deleter, repo, clock, logger.NewNop())

	require.NoError(t, exec.Execute(context.Background(), queue.DeletionMessage{CampaignID: id, MessageID: "ABC"}))

	assert.Equal(t, 1, deleter.calls)
	assert.Equal(t, 3, repo.calls)
	got, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, got.Recipients[0].DeletedAt)
}

func TestExecuteReportsUnrecordedDeletion(t *testing.T) {
	repo := &flakyStamps{CampaignRepository: memory.NewCampaignRepository(), failures: persistAttempts}
	id := seedCampaign(t, repo.CampaignRepository)
	deleter := &countingDeleter{}
	exec := NewExecutor(deleter, repo, &stepClock{}, logger.NewNop())

	err := exec.Execute(context.Background(), queue.DeletionMessage{CampaignID: id, MessageID: "ABC"})
	require.ErrorIs(t, err, ErrNotRecorded)
	assert.Equal(t, 1, deleter.calls)
	assert.Equal(t, persistAttempts, repo.calls)
}

func TestExecuteIgnoresRemovedCampaign(t *testing.T) {
	deleter := &countingDeleter{}
	exec := NewExecutor(deleter, memory.NewCampaignRepository(), &stepClock{}, logger.NewNop())

	assert.NoError(t, exec.Execute(context.Background(), queue.DeletionMessage{CampaignID: uuid.New(), MessageID: "ABC"}))
	assert.Equal(t, 1, deleter.calls)
}

func TestTimerQueuePublishRacingClose(t *testing.T) {
	log := logger.NewNop()
	clock := &stepClock{}
	exec := NewExecutor(&countingDeleter{}, memory.NewCampaignRepository(), clock, log)

	for round := 0; round < 50; round++ {
		q := NewTimerQueue(exec, clock, log)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := q.Publish(context.Background(), queue.DeletionMessage{CampaignID: uuid.New(), MessageID: "ABC"})
				if err != nil {
					assert.ErrorIs(t, err, ErrQueueClosed)
				}
			}()
		}
		require.NoError(t, q.Close())
		wg.Wait()
		q.Wait()
	}
}

func TestTimerQueueRejectsAfterClose(t *testing.T) {
	log := logger.NewNop()
	q := NewTimerQueue(NewExecutor(&countingDeleter{}, memory.NewCampaignRepository(), &stepClock{}, log), &stepClock{}, log)
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), queue.DeletionMessage{CampaignID: uuid.New(), MessageID: "ABC"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
