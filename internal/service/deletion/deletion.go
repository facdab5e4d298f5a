package deletion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/gateway"
	"github.com/acme/mass-dispatch/internal/queue"
	"github.com/acme/mass-dispatch/internal/repository"
	"github.com/acme/mass-dispatch/internal/service/common"
	"github.com/acme/mass-dispatch/pkg/logger"
)

var deletionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "deletions_total",
		Help:      "Deferred message deletions by outcome.",
	},
	[]string{"outcome"},
)

const (
	persistAttempts = 3
	persistBackoff  = time.Second
)

var (
	// ErrQueueClosed is returned by Publish after Close.
	ErrQueueClosed = errors.New("deletion queue closed")
	// ErrNotRecorded marks a deletion that reached the gateway but could not
	// be stamped on the recipient. Callers must not retry the gateway call.
	ErrNotRecorded = errors.New("deletion not recorded")
)

// Executor revokes one delivered message and stamps the recipient entry.
type Executor struct {
	deleter gateway.MessageDeleter
	repo    repository.CampaignRepository
	clock   common.Clock
	logger  *logger.Logger
}

// NewExecutor constructs a deletion executor.
func NewExecutor(deleter gateway.MessageDeleter, repo repository.CampaignRepository, clock common.Clock, log *logger.Logger) *Executor {
	return &Executor{deleter: deleter, repo: repo, clock: clock, logger: log}
}

// Execute performs the deletion. A campaign removed in the meantime is not
// an error.
func (e *Executor) Execute(ctx context.Context, msg queue.DeletionMessage) error {
	ctx, span := otel.Tracer("dispatch.deletion").Start(ctx, "deletion.execute", trace.WithAttributes(
		attribute.String("campaign.id", msg.CampaignID.String()),
		attribute.Int("recipient.index", msg.Index),
	))
	defer span.End()

	if err := e.deleter.DeleteMessage(ctx, msg.Instance, msg.MessageID, msg.RemoteJID); err != nil {
		span.RecordError(err)
		deletionsTotal.WithLabelValues("gateway_error").Inc()
		return fmt.Errorf("delete message %s: %w", msg.MessageID, err)
	}

	if err := e.markDeleted(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			deletionsTotal.WithLabelValues("campaign_gone").Inc()
			return nil
		}
		span.RecordError(err)
		deletionsTotal.WithLabelValues("persist_error").Inc()
		return fmt.Errorf("mark deleted %s: %w: %w", msg.MessageID, ErrNotRecorded, err)
	}

	deletionsTotal.WithLabelValues("deleted").Inc()
	e.logger.Debug("deletion: message revoked",
		zap.String("campaign_id", msg.CampaignID.String()),
		zap.Int("index", msg.Index),
		zap.String("message_id", msg.MessageID),
	)
	return nil
}

// markDeleted stamps the recipient. The gateway call already succeeded, so
// only this write is retried.
func (e *Executor) markDeleted(ctx context.Context, msg queue.DeletionMessage) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = e.repo.MarkDeleted(ctx, msg.CampaignID, msg.Index, e.clock.Now())
		if err == nil || errors.Is(err, repository.ErrNotFound) {
			return err
		}
		e.logger.Warn("deletion: mark deleted failed",
			zap.String("campaign_id", msg.CampaignID.String()),
			zap.Int("index", msg.Index),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < persistAttempts {
			if serr := e.clock.Sleep(ctx, persistBackoff*time.Duration(attempt)); serr != nil {
				return errors.Join(err, serr)
			}
		}
	}
	return err
}

// TimerQueue runs deletions in-process after their due time. Pending
// deletions are lost if the process exits.
type TimerQueue struct {
	exec   *Executor
	clock  common.Clock
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTimerQueue constructs an in-process deletion queue.
func NewTimerQueue(exec *Executor, clock common.Clock, log *logger.Logger) *TimerQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerQueue{exec: exec, clock: clock, logger: log, ctx: ctx, cancel: cancel}
}

// Publish schedules msg for execution at msg.DueAt.
func (q *TimerQueue) Publish(_ context.Context, msg queue.DeletionMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		if err := common.SleepUntil(q.ctx, q.clock, msg.DueAt); err != nil {
			return
		}
		execCtx, cancel := context.WithTimeout(context.WithoutCancel(q.ctx), 30*time.Second)
		defer cancel()
		if err := q.exec.Execute(execCtx, msg); err != nil {
			q.logger.Warn("deletion: execute failed",
				zap.String("campaign_id", msg.CampaignID.String()),
				zap.Int("index", msg.Index),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until every scheduled deletion has run.
func (q *TimerQueue) Wait() {
	q.wg.Wait()
}

// Close drops pending deletions and waits for running ones.
func (q *TimerQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
