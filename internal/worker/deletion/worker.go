package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/queue"
	"github.com/acme/mass-dispatch/internal/service/common"
	deletionsvc "github.com/acme/mass-dispatch/internal/service/deletion"
	"github.com/acme/mass-dispatch/pkg/logger"
)

const (
	maxAttempts  = 3
	retryBackoff = 5 * time.Second
	maxPending   = 10000
)

// Reader is the subset of kafka.Reader used by the worker.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Executor performs one deletion.
type Executor interface {
	Execute(ctx context.Context, msg queue.DeletionMessage) error
}

// Worker consumes deferred deletions. Every fetched message waits for its
// due time on its own timer, so a long delay never holds back later
// messages with shorter ones.
type Worker struct {
	reader Reader
	exec   Executor
	clock  common.Clock
	logger *logger.Logger
	slots  chan struct{}

	mu      sync.Mutex
	offsets map[int]*partitionOffsets
	wg      sync.WaitGroup
}

// partitionOffsets holds the in-flight messages of one partition in fetch
// order. An offset is committed only once every message before it is done.
type partitionOffsets struct {
	pending []kafka.Message
	done    map[int64]bool
}

// New creates a deletion worker instance.
func New(reader Reader, exec Executor, clock common.Clock, log *logger.Logger) *Worker {
	if clock == nil {
		clock = common.SystemClock{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		reader:  reader,
		exec:    exec,
		clock:   clock,
		logger:  log,
		slots:   make(chan struct{}, maxPending),
		offsets: make(map[int]*partitionOffsets),
	}
}

// Run consumes until ctx is cancelled. Messages are committed once
// handled, including ones that could not be decoded or kept failing.
// Messages still waiting when ctx is cancelled stay uncommitted and are
// redelivered.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()
	defer w.wg.Wait()

	for {
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			<-w.slots
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("deletion worker: fetch", zap.Error(err))
			if err := w.clock.Sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		w.track(msg)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.slots }()

			if err := w.handle(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("deletion worker: handle", zap.Int64("offset", msg.Offset), zap.Error(err))
			}
			w.finish(ctx, msg)
		}()
	}
}

func (w *Worker) track(msg kafka.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.offsets[msg.Partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]bool)}
		w.offsets[msg.Partition] = p
	}
	p.pending = append(p.pending, msg)
}

// finish marks msg done and commits the highest offset of its partition
// below which nothing is in flight. Commits are issued under the lock so
// they reach the broker in order.
func (w *Worker) finish(ctx context.Context, msg kafka.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p := w.offsets[msg.Partition]
	p.done[msg.Offset] = true

	var last *kafka.Message
	for len(p.pending) > 0 && p.done[p.pending[0].Offset] {
		head := p.pending[0]
		delete(p.done, head.Offset)
		p.pending = p.pending[1:]
		last = &head
	}
	if last == nil {
		return
	}
	if err := w.reader.CommitMessages(context.WithoutCancel(ctx), *last); err != nil {
		w.logger.Error("deletion worker: commit", zap.Int64("offset", last.Offset), zap.Error(err))
	}
}

func (w *Worker) handle(ctx context.Context, raw kafka.Message) error {
	var msg queue.DeletionMessage
	if err := json.Unmarshal(raw.Value, &msg); err != nil {
		return err
	}

	if err := common.SleepUntil(ctx, w.clock, msg.DueAt); err != nil {
		return err
	}

	ctx, span := otel.Tracer("dispatch.deleteworker").Start(ctx, "deletion.consume", trace.WithAttributes(
		attribute.String("campaign.id", msg.CampaignID.String()),
		attribute.Int("recipient.index", msg.Index),
		attribute.Int64("kafka.offset", raw.Offset),
	))
	defer span.End()

	var errs []error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.exec.Execute(ctx, msg)
		if err == nil {
			return nil
		}
		span.RecordError(err)
		errs = append(errs, err)
		w.logger.Warn("deletion worker: attempt failed",
			zap.String("campaign_id", msg.CampaignID.String()),
			zap.String("message_id", msg.MessageID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if errors.Is(err, deletionsvc.ErrNotRecorded) {
			break
		}
		if attempt < maxAttempts {
			if err := w.clock.Sleep(ctx, retryBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Join(errs...)
}
