package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/repository/memory"
	"github.com/acme/mass-dispatch/pkg/logger"
)

type engineMock struct {
	mock.Mock
}

func (m *engineMock) Start(_ context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *engineMock) Resume(_ context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

func (m *engineMock) PauseForSchedule(_ context.Context, id uuid.UUID) error {
	return m.Called(id).Error(0)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// 2024-01-01 is a Monday.
var mondayTen = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func scheduled(status domain.CampaignStatus, sch domain.Schedule) *domain.Campaign {
	sch.Enabled = true
	return &domain.Campaign{
		ID:         uuid.New(),
		UserID:     "user-1",
		Status:     status,
		Recipients: []domain.Recipient{{Number: "5511987654321", Valid: true, Status: domain.RecipientStatusPending}},
		Settings:   domain.Settings{Speed: domain.SpeedNormal, Schedule: sch},
	}
}

func officeHours() domain.Schedule {
	return domain.Schedule{StartTime: "09:00", PauseTime: "18:00", TimeZone: "UTC"}
}

func newScheduler(t *testing.T, now time.Time, campaigns ...*domain.Campaign) (*Scheduler, *memory.CampaignRepository, *engineMock) {
	t.Helper()
	repo := memory.NewCampaignRepository()
	for _, c := range campaigns {
		require.NoError(t, repo.Create(context.Background(), c))
	}
	engine := &engineMock{}
	s := New(repo, engine, fixedClock{now: now}, logger.NewNop(), Config{Interval: time.Minute})
	return s, repo, engine
}

func TestTickStartsReadyCampaignInsideWindow(t *testing.T) {
	c := scheduled(domain.CampaignStatusReady, officeHours())
	s, _, engine := newScheduler(t, mondayTen, c)
	engine.On("Start", c.ID).Return(nil).Once()

	require.NoError(t, s.tick(context.Background()))
	engine.AssertExpectations(t)
}

func TestTickDefersReadyCampaignOnExcludedWeekday(t *testing.T) {
	sch := officeHours()
	sch.ExcludedDays = []time.Weekday{time.Monday}
	c := scheduled(domain.CampaignStatusReady, sch)
	s, repo, engine := newScheduler(t, mondayTen, c)

	require.NoError(t, s.tick(context.Background()))
	engine.AssertNotCalled(t, "Start", mock.Anything)

	got, err := repo.Get(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextScheduledRun)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), got.NextScheduledRun.UTC())
	assert.Equal(t, domain.CampaignStatusReady, got.Status)
}

func TestTickWaitsForFutureNextRun(t *testing.T) {
	c := scheduled(domain.CampaignStatusReady, officeHours())
	future := mondayTen.Add(time.Hour)
	c.NextScheduledRun = &future
	s, _, engine := newScheduler(t, mondayTen, c)

	require.NoError(t, s.tick(context.Background()))
	engine.AssertNotCalled(t, "Start", mock.Anything)
}

func TestTickPausesRunningCampaignOutsideWindow(t *testing.T) {
	open := scheduled(domain.CampaignStatusRunning, officeHours())
	open.IsActive = true
	closed := scheduled(domain.CampaignStatusRunning, domain.Schedule{StartTime: "20:00", PauseTime: "23:00"})
	closed.IsActive = true
	s, _, engine := newScheduler(t, mondayTen, open, closed)
	engine.On("PauseForSchedule", closed.ID).Return(nil).Once()

	require.NoError(t, s.tick(context.Background()))
	engine.AssertExpectations(t)
	engine.AssertNotCalled(t, "PauseForSchedule", open.ID)
}

func TestTickResumesDuePausedCampaigns(t *testing.T) {
	due := mondayTen.Add(-time.Hour)

	reopened := scheduled(domain.CampaignStatusPaused, officeHours())
	reopened.NextScheduledRun = &due

	stillClosed := scheduled(domain.CampaignStatusPaused, domain.Schedule{StartTime: "20:00", PauseTime: "23:00"})
	stillClosed.NextScheduledRun = &due

	manual := scheduled(domain.CampaignStatusPaused, officeHours())

	s, repo, engine := newScheduler(t, mondayTen, reopened, stillClosed, manual)
	engine.On("Resume", reopened.ID).Return(nil).Once()

	require.NoError(t, s.tick(context.Background()))
	engine.AssertExpectations(t)
	engine.AssertNotCalled(t, "Resume", manual.ID)
	engine.AssertNotCalled(t, "Resume", stillClosed.ID)

	got, err := repo.Get(context.Background(), stillClosed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextScheduledRun)
	assert.Equal(t, time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC), got.NextScheduledRun.UTC())
}

func TestTickIsolatesCampaignFailures(t *testing.T) {
	first := scheduled(domain.CampaignStatusReady, officeHours())
	second := scheduled(domain.CampaignStatusReady, officeHours())
	s, _, engine := newScheduler(t, mondayTen, first, second)
	engine.On("Start", first.ID).Return(errors.New("boom")).Once()
	engine.On("Start", second.ID).Return(nil).Once()

	require.NoError(t, s.tick(context.Background()))
	engine.AssertExpectations(t)
}

func TestTickIgnoresUnscheduledCampaigns(t *testing.T) {
	c := scheduled(domain.CampaignStatusReady, officeHours())
	c.Settings.Schedule.Enabled = false
	s, _, engine := newScheduler(t, mondayTen, c)

	require.NoError(t, s.tick(context.Background()))
	engine.AssertNotCalled(t, "Start", mock.Anything)
}

func TestStatsAndCheckNow(t *testing.T) {
	s, _, _ := newScheduler(t, mondayTen)

	st := s.Stats()
	assert.False(t, st.Running)
	assert.Nil(t, st.LastTick)
	assert.Equal(t, time.Minute, st.Interval)

	require.NoError(t, s.tick(context.Background()))
	st = s.Stats()
	require.NotNil(t, st.LastTick)
	assert.Equal(t, mondayTen, *st.LastTick)
	assert.Equal(t, mondayTen.Add(time.Minute), *st.NextTick)

	s.CheckNow()
	s.CheckNow()
	assert.Len(t, s.trigger, 1)
}

func TestRunTicksImmediatelyAndOnCheckNow(t *testing.T) {
	c := scheduled(domain.CampaignStatusReady, officeHours())
	s, _, engine := newScheduler(t, mondayTen, c)
	s.interval = time.Hour

	started := make(chan struct{}, 2)
	engine.On("Start", c.ID).Return(nil).Run(func(mock.Arguments) { started <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick did not run")
	}

	s.CheckNow()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("check now did not trigger a tick")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
