package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/gateway"
	"github.com/acme/mass-dispatch/internal/queue"
	"github.com/acme/mass-dispatch/internal/repository"
	"github.com/acme/mass-dispatch/internal/service/common"
	apperrors "github.com/acme/mass-dispatch/pkg/errors"
	"github.com/acme/mass-dispatch/pkg/logger"
)

// errNoop aborts a Mutate without writing when the request is already
// satisfied.
var errNoop = errors.New("no-op")

const windowClosedReason = "schedule window closed"

// Notifier fans live-update events out to the owning user.
type Notifier interface {
	Publish(ctx context.Context, evt queue.CampaignEvent) error
}

// DeletionQueue accepts deferred message deletions.
type DeletionQueue interface {
	Publish(ctx context.Context, msg queue.DeletionMessage) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, queue.CampaignEvent) error { return nil }

// Config tunes executor timeouts.
type Config struct {
	SendTimeout    time.Duration
	PersistTimeout time.Duration
}

// Deps are the collaborators of the engine.
type Deps struct {
	Repo      repository.CampaignRepository
	Sender    gateway.Sender
	Deletions DeletionQueue
	Notifier  Notifier
	Journal   repository.AttemptJournal
	Clock     common.Clock
	Logger    *logger.Logger
	Config    Config
}

// Engine owns the dispatch executors of this process: one goroutine per
// active campaign, sending strictly in recipient order.
type Engine struct {
	repo      repository.CampaignRepository
	sender    gateway.Sender
	deletions DeletionQueue
	notifier  Notifier
	journal   repository.AttemptJournal
	clock     common.Clock
	logger    *logger.Logger
	cfg       Config

	ready atomic.Bool

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
	locks   map[uuid.UUID]*campaignLock
	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// campaignLock serializes control operations on one campaign so that the
// store write and the executor start or stop happen as one step.
type campaignLock struct {
	mu   sync.Mutex
	refs int
}

// New constructs an engine. Control operations are rejected until Recover
// has completed.
func New(deps Deps) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Journal == nil {
		deps.Journal = repository.NopJournal{}
	}
	if deps.Clock == nil {
		deps.Clock = common.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Config.SendTimeout <= 0 {
		deps.Config.SendTimeout = 30 * time.Second
	}
	if deps.Config.PersistTimeout <= 0 {
		deps.Config.PersistTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:      deps.Repo,
		sender:    deps.Sender,
		deletions: deps.Deletions,
		notifier:  deps.Notifier,
		journal:   deps.Journal,
		clock:     deps.Clock,
		logger:    deps.Logger,
		cfg:       deps.Config,
		handles:   make(map[uuid.UUID]*handle),
		locks:     make(map[uuid.UUID]*campaignLock),
		baseCtx:   ctx,
		stopAll:   cancel,
	}
}

// Ready reports whether recovery has completed.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Running returns the number of executors alive in this process.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

// Start moves a ready campaign to running and spawns its executor from
// index 0. Starting a campaign that is already running is a no-op.
func (e *Engine) Start(ctx context.Context, id uuid.UUID) error {
	if !e.Ready() {
		return apperrors.ErrUnavailable
	}

	unlock := e.lock(id)
	defer unlock()

	now := e.clock.Now()
	campaign, err := e.repo.Mutate(ctx, id, func(c *domain.Campaign) error {
		if c.Status == domain.CampaignStatusRunning && c.IsActive {
			return errNoop
		}
		if c.Status != domain.CampaignStatusReady {
			return fmt.Errorf("start campaign in status %s: %w", c.Status, apperrors.ErrInvalidTransition)
		}
		if !c.Settings.Schedule.IsWithin(now) {
			return apperrors.ErrOutsideSchedule
		}
		if err := c.Transition(domain.CampaignStatusRunning); err != nil {
			return err
		}
		c.IsActive = true
		c.StartedAt = &now
		c.NextScheduledRun = nil
		c.PauseReason = ""
		c.Error = ""
		return nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}

	transitionsTotal.WithLabelValues(string(domain.CampaignStatusRunning)).Inc()
	e.launch(campaign.ID)
	e.notifyStatus(ctx, campaign, "")
	return nil
}

// Resume continues a paused campaign from its cursor. A running campaign
// without an executor is adopted. Resuming an active campaign is a no-op.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	if !e.Ready() {
		return apperrors.ErrUnavailable
	}

	unlock := e.lock(id)
	defer unlock()

	now := e.clock.Now()
	campaign, err := e.repo.Mutate(ctx, id, func(c *domain.Campaign) error {
		switch {
		case c.Status == domain.CampaignStatusRunning && c.IsActive:
			return errNoop
		case c.Status == domain.CampaignStatusRunning:
		case c.Status == domain.CampaignStatusPaused:
			if !c.Settings.Schedule.IsWithin(now) {
				return apperrors.ErrOutsideSchedule
			}
			if err := c.Transition(domain.CampaignStatusRunning); err != nil {
				return err
			}
		default:
			return fmt.Errorf("resume campaign in status %s: %w", c.Status, apperrors.ErrInvalidTransition)
		}
		c.IsActive = true
		c.NextScheduledRun = nil
		c.PauseReason = ""
		c.Error = ""
		return nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}

	transitionsTotal.WithLabelValues(string(domain.CampaignStatusRunning)).Inc()
	e.launch(campaign.ID)
	e.notifyStatus(ctx, campaign, "")
	return nil
}

// Pause stops a running campaign by user request. The in-flight send, if
// any, completes and is recorded. Manually paused campaigns are not resumed
// by the scheduler.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID, reason string) error {
	if !e.Ready() {
		return apperrors.ErrUnavailable
	}
	return e.pause(ctx, id, reason, false)
}

// PauseForSchedule pauses a running campaign whose window has closed and
// records when the scheduler should look at it again.
func (e *Engine) PauseForSchedule(ctx context.Context, id uuid.UUID) error {
	if !e.Ready() {
		return apperrors.ErrUnavailable
	}
	return e.pause(ctx, id, windowClosedReason, true)
}

func (e *Engine) pause(ctx context.Context, id uuid.UUID, reason string, scheduled bool) error {
	unlock := e.lock(id)
	defer unlock()

	now := e.clock.Now()
	campaign, err := e.repo.Mutate(ctx, id, func(c *domain.Campaign) error {
		if c.Status == domain.CampaignStatusPaused {
			return errNoop
		}
		if err := c.Transition(domain.CampaignStatusPaused); err != nil {
			return err
		}
		c.PausedAt = &now
		c.PauseReason = reason
		c.NextScheduledRun = nil
		if scheduled {
			if next, ok := c.Settings.Schedule.NextRun(now); ok {
				c.NextScheduledRun = &next
			}
		}
		return nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}

	transitionsTotal.WithLabelValues(string(domain.CampaignStatusPaused)).Inc()
	e.stop(id)
	e.notifyStatus(ctx, campaign, reason)
	return nil
}

// Cancel terminates a campaign. The cursor is frozen where it is.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	if !e.Ready() {
		return apperrors.ErrUnavailable
	}

	unlock := e.lock(id)
	defer unlock()

	campaign, err := e.repo.Mutate(ctx, id, func(c *domain.Campaign) error {
		if c.Status == domain.CampaignStatusCancelled {
			return errNoop
		}
		return c.Transition(domain.CampaignStatusCancelled)
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}

	transitionsTotal.WithLabelValues(string(domain.CampaignStatusCancelled)).Inc()
	e.stop(id)
	e.notifyStatus(ctx, campaign, "")
	return nil
}

// Shutdown signals every executor to stop after its in-flight send and
// waits for them or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.ready.Store(false)
	e.stopAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every executor has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// launch spawns the executor for id. If a previous executor for the same
// campaign is still finishing its in-flight send, the new one waits for it
// and then reloads the cursor.
func (e *Engine) launch(id uuid.UUID) {
	e.mu.Lock()
	prev := e.handles[id]
	ctx, cancel := context.WithCancel(e.baseCtx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	e.handles[id] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(h.done)
		defer e.forget(id, h)
		defer cancel()

		if prev != nil {
			prev.cancel()
			<-prev.done
		}
		e.run(ctx, id)
		if ctx.Err() != nil {
			e.release(id, h)
		}
	}()
}

// release clears the active flag of a campaign whose current executor was
// stopped while the record still says running and active. Without it no
// later Start or Resume would relaunch the campaign.
func (e *Engine) release(id uuid.UUID, h *handle) {
	if e.baseCtx.Err() != nil {
		return
	}
	unlock := e.lock(id)
	defer unlock()

	e.mu.Lock()
	current := e.handles[id] == h
	e.mu.Unlock()
	if !current {
		return
	}

	pctx, cancel := e.persistCtx(e.baseCtx)
	defer cancel()
	_, err := e.repo.Mutate(pctx, id, func(c *domain.Campaign) error {
		if c.Status != domain.CampaignStatusRunning || !c.IsActive {
			return errNoop
		}
		c.IsActive = false
		return nil
	})
	if err != nil && !isNoop(err) {
		e.logger.Warn("dispatch: release active flag", zap.String("campaign_id", id.String()), zap.Error(err))
	}
}

// lock takes the control lock of one campaign and returns its release.
func (e *Engine) lock(id uuid.UUID) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &campaignLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) stop(id uuid.UUID) {
	e.mu.Lock()
	h := e.handles[id]
	e.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

func (e *Engine) forget(id uuid.UUID, h *handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles[id] == h {
		delete(e.handles, id)
	}
}

func (e *Engine) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
}

func (e *Engine) notifyStatus(ctx context.Context, c *domain.Campaign, reason string) {
	e.publish(ctx, queue.CampaignEvent{
		Type:         queue.EventStatus,
		CampaignID:   c.ID,
		UserID:       c.UserID,
		Status:       c.Status,
		CurrentIndex: c.CurrentIndex,
		Statistics:   c.Statistics,
		Campaign:     c,
		Reason:       reason,
		OccurredAt:   e.clock.Now(),
	})
}

func (e *Engine) publish(ctx context.Context, evt queue.CampaignEvent) {
	pctx, cancel := e.persistCtx(ctx)
	defer cancel()
	if err := e.notifier.Publish(pctx, evt); err != nil {
		e.logger.Warn("dispatch: publish event failed",
			zap.String("campaign_id", evt.CampaignID.String()),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}

func isNoop(err error) bool {
	return errors.Is(err, errNoop)
}
