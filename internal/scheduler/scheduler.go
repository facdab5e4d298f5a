package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/repository"
	"github.com/acme/mass-dispatch/internal/service/common"
	"github.com/acme/mass-dispatch/pkg/logger"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler ticks executed.",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "scheduler",
		Name:      "actions_total",
		Help:      "Scheduler decisions by action and result.",
	}, []string{"action", "result"})
)

// Engine is the dispatch control surface driven by the scheduler.
type Engine interface {
	Start(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	PauseForSchedule(ctx context.Context, id uuid.UUID) error
}

// Config tunes the tick loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Stats is a snapshot of the loop state.
type Stats struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	LastTick *time.Time    `json:"lastTick,omitempty"`
	NextTick *time.Time    `json:"nextTick,omitempty"`
}

// Scheduler reconciles scheduled campaigns against wall-clock time.
type Scheduler struct {
	repo     repository.CampaignRepository
	engine   Engine
	clock    common.Clock
	logger   *logger.Logger
	interval time.Duration
	batch    int

	trigger chan struct{}
	running atomic.Bool

	mu       sync.Mutex
	lastTick time.Time
	nextTick time.Time
}

// New constructs a scheduler.
func New(repo repository.CampaignRepository, engine Engine, clock common.Clock, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{
		repo:     repo,
		engine:   engine,
		clock:    clock,
		logger:   log,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
		trigger:  make(chan struct{}, 1),
	}
}

// Run executes the scheduling loop until cancelled. The first tick runs
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler: started", zap.Duration("interval", s.interval))
	for {
		if err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler: tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
			ticker.Reset(s.interval)
		}
	}
}

// CheckNow requests an immediate tick. Requests made while one is already
// pending are coalesced.
func (s *Scheduler) CheckNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stats reports the loop state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Running: s.running.Load(), Interval: s.interval}
	if !s.lastTick.IsZero() {
		last, next := s.lastTick, s.nextTick
		st.LastTick = &last
		st.NextTick = &next
	}
	return st
}

func (s *Scheduler) tick(ctx context.Context) error {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastTick = now
	s.nextTick = now.Add(s.interval)
	s.mu.Unlock()
	ticksTotal.Inc()

	tracer := otel.Tracer("dispatch.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	var errs []error
	if err := s.resumeDue(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := s.pauseClosed(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := s.startReady(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// resumeDue resumes paused campaigns whose next run has arrived.
func (s *Scheduler) resumeDue(ctx context.Context, now time.Time) error {
	campaigns, err := s.repo.ListForScheduling(ctx, repository.ScheduleFilter{
		Status:          domain.CampaignStatusPaused,
		ScheduleEnabled: repository.BoolPtr(true),
		DueBefore:       &now,
		Limit:           s.batch,
	})
	if err != nil {
		return fmt.Errorf("list due paused campaigns: %w", err)
	}

	for _, c := range campaigns {
		s.each(ctx, c, "resume", func(ctx context.Context) error {
			if c.Settings.Schedule.IsWithin(now) {
				return s.engine.Resume(ctx, c.ID)
			}
			return s.reschedule(ctx, c, now)
		})
	}
	return nil
}

// pauseClosed pauses running campaigns whose window has closed.
func (s *Scheduler) pauseClosed(ctx context.Context, now time.Time) error {
	campaigns, err := s.repo.ListForScheduling(ctx, repository.ScheduleFilter{
		Status:          domain.CampaignStatusRunning,
		ScheduleEnabled: repository.BoolPtr(true),
		Active:          repository.BoolPtr(true),
		Limit:           s.batch,
	})
	if err != nil {
		return fmt.Errorf("list running campaigns: %w", err)
	}

	for _, c := range campaigns {
		if c.Settings.Schedule.IsWithin(now) {
			continue
		}
		s.each(ctx, c, "pause", func(ctx context.Context) error {
			return s.engine.PauseForSchedule(ctx, c.ID)
		})
	}
	return nil
}

// startReady starts ready campaigns once their window is open and their
// next run, if any, is due.
func (s *Scheduler) startReady(ctx context.Context, now time.Time) error {
	campaigns, err := s.repo.ListForScheduling(ctx, repository.ScheduleFilter{
		Status:          domain.CampaignStatusReady,
		ScheduleEnabled: repository.BoolPtr(true),
		Active:          repository.BoolPtr(false),
		Limit:           s.batch,
	})
	if err != nil {
		return fmt.Errorf("list ready campaigns: %w", err)
	}

	for _, c := range campaigns {
		s.each(ctx, c, "start", func(ctx context.Context) error {
			due := c.NextScheduledRun == nil || !c.NextScheduledRun.After(now)
			if due && c.Settings.Schedule.IsWithin(now) {
				return s.engine.Start(ctx, c.ID)
			}
			return s.reschedule(ctx, c, now)
		})
	}
	return nil
}

// each runs fn for one campaign in its own span. Errors are logged and
// never abort the tick.
func (s *Scheduler) each(ctx context.Context, c *domain.Campaign, action string, fn func(context.Context) error) {
	cctx, span := otel.Tracer("dispatch.scheduler").Start(ctx, "scheduler.campaign", trace.WithAttributes(
		attribute.String("campaign.id", c.ID.String()),
		attribute.String("scheduler.action", action),
	))
	defer span.End()

	if err := fn(cctx); err != nil {
		span.RecordError(err)
		actionsTotal.WithLabelValues(action, "error").Inc()
		s.logger.Error("scheduler: campaign action failed",
			zap.String("campaign_id", c.ID.String()),
			zap.String("action", action),
			zap.Error(err),
		)
		return
	}
	actionsTotal.WithLabelValues(action, "ok").Inc()
}

// reschedule persists the next window opening without changing status.
func (s *Scheduler) reschedule(ctx context.Context, c *domain.Campaign, now time.Time) error {
	next, ok := c.Settings.Schedule.NextRun(now)
	_, err := s.repo.Mutate(ctx, c.ID, func(stored *domain.Campaign) error {
		if stored.Status != c.Status {
			return nil
		}
		if ok {
			stored.NextScheduledRun = &next
		} else {
			stored.NextScheduledRun = nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist next run: %w", err)
	}
	if !ok {
		s.logger.Warn("scheduler: schedule excludes every weekday", zap.String("campaign_id", c.ID.String()))
	}
	return nil
}
