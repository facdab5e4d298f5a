package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/mass-dispatch/internal/config"
	"github.com/acme/mass-dispatch/internal/gateway"
	"github.com/acme/mass-dispatch/internal/gateway/evolution"
	gatewayMock "github.com/acme/mass-dispatch/internal/gateway/mock"
	"github.com/acme/mass-dispatch/internal/infra/db"
	"github.com/acme/mass-dispatch/internal/infra/redis"
	"github.com/acme/mass-dispatch/internal/queue"
	"github.com/acme/mass-dispatch/internal/repository"
	memrepo "github.com/acme/mass-dispatch/internal/repository/memory"
	pgrepo "github.com/acme/mass-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/mass-dispatch/internal/repository/scylla"
	"github.com/acme/mass-dispatch/internal/scheduler"
	campaignsvc "github.com/acme/mass-dispatch/internal/service/campaign"
	"github.com/acme/mass-dispatch/internal/service/common"
	"github.com/acme/mass-dispatch/internal/service/deletion"
	"github.com/acme/mass-dispatch/internal/service/dispatch"
	"github.com/acme/mass-dispatch/internal/service/lease"
	"github.com/acme/mass-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	Clock  common.Clock

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka
	NATS     *queue.NATSPublisher

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		providers    *providers
		publishers   *publishers
		services     *services
	}
}

type repositories struct {
	Campaign repository.CampaignRepository
	Journal  repository.AttemptJournal
}

type providers struct {
	Gateway gateway.Provider
}

type publishers struct {
	Events    *queue.EventPublisher
	Deletions *queue.DeletionPublisher
	Timers    *deletion.TimerQueue
}

type services struct {
	Campaign  *campaignsvc.Service
	Deletion  *deletion.Executor
	Engine    *dispatch.Engine
	Scheduler *scheduler.Scheduler
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	container := &Container{
		Config: cfg,
		Logger: lg,
		Clock:  common.SystemClock{},
	}

	switch cfg.Store.Driver {
	case "memory":
	case "postgres", "":
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
		container.Postgres = pg
	default:
		return nil, fmt.Errorf("bootstrap: unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		container.Scylla = scylla
	}

	if cfg.Leader.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		container.Redis = redisClient
	}

	if container.needsKafka() {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		container.Kafka = kafka
	}

	if cfg.Notifications.Transport == "nats" {
		nc, err := queue.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.App.Name)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap nats: %w", err)
		}
		container.NATS = nc
	}

	return container, nil
}

func (c *Container) needsKafka() bool {
	return c.Config.Notifications.Transport == "kafka" || c.Config.AutoDelete.Mode == "kafka"
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{Journal: repository.NopJournal{}}
		if c.Postgres != nil {
			repos.Campaign = pgrepo.NewCampaignRepository(c.Postgres.DB())
		} else {
			repos.Campaign = memrepo.NewCampaignRepository()
		}
		if c.Scylla != nil {
			repos.Journal = scyllarepo.NewAttemptStore(c.Scylla.Session())
		}

		provs := &providers{}
		switch c.Config.Gateway.Provider {
		case "evolution":
			provs.Gateway = evolution.NewClient(c.Config.Gateway)
		default:
			provs.Gateway = gatewayMock.NewProvider(c.Config.Gateway)
		}

		svcs := &services{
			Deletion: deletion.NewExecutor(provs.Gateway, repos.Campaign, c.Clock, c.Logger),
		}

		pubs := &publishers{}
		var notifier dispatch.Notifier = dispatch.NopNotifier{}
		switch {
		case c.Config.Notifications.Transport == "kafka" && c.Kafka != nil:
			pubs.Events = queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventsTopic)
			notifier = pubs.Events
		case c.NATS != nil:
			notifier = c.NATS
		}

		var deletions dispatch.DeletionQueue
		if c.Config.AutoDelete.Mode == "kafka" && c.Kafka != nil {
			pubs.Deletions = queue.NewDeletionPublisher(c.Kafka, c.Config.Kafka.DeletionsTopic)
			deletions = pubs.Deletions
		} else {
			pubs.Timers = deletion.NewTimerQueue(svcs.Deletion, c.Clock, c.Logger)
			deletions = pubs.Timers
		}

		svcs.Engine = dispatch.New(dispatch.Deps{
			Repo:      repos.Campaign,
			Sender:    provs.Gateway,
			Deletions: deletions,
			Notifier:  notifier,
			Journal:   repos.Journal,
			Clock:     c.Clock,
			Logger:    c.Logger,
			Config: dispatch.Config{
				SendTimeout:    c.Config.Dispatch.SendTimeout,
				PersistTimeout: c.Config.Dispatch.PersistTimeout,
			},
		})
		svcs.Campaign = campaignsvc.NewService(
			repos.Campaign,
			provs.Gateway,
			c.Clock,
			c.Logger,
			c.Config.Dispatch.ValidationBatchSize,
		)
		svcs.Scheduler = scheduler.New(repos.Campaign, svcs.Engine, c.Clock, c.Logger, scheduler.Config{
			Interval:  c.Config.Scheduler.TickInterval,
			BatchSize: c.Config.Scheduler.MaxBatchSize,
		})

		c.components.repositories = repos
		c.components.providers = provs
		c.components.publishers = pubs
		c.components.services = svcs
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Lease returns the engine leader lease, or nil when leader election is
// disabled.
func (c *Container) Lease() *lease.Lease {
	if c.Redis == nil {
		return nil
	}
	owner, _ := os.Hostname()
	owner = fmt.Sprintf("%s-%s", owner, uuid.NewString())
	l := c.Config.Leader
	return lease.New(c.Redis.Inner(), l.Key, owner, l.TTL, l.RetryInterval, c.Logger)
}

// HealthChecks returns one check per configured backing store.
func (c *Container) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if c.Postgres != nil {
		checks["postgres"] = func(ctx context.Context) error {
			return c.Postgres.DB().PingContext(ctx)
		}
	}
	if c.Scylla != nil {
		checks["scylla"] = func(ctx context.Context) error {
			return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		}
	}
	if c.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return c.Redis.Inner().Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if s := c.components.services; s != nil {
		if err := s.Engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
		s.Campaign.Close()
	}
	if p := c.components.publishers; p != nil {
		if p.Timers != nil {
			_ = p.Timers.Close()
		}
		if p.Events != nil {
			if err := p.Events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event publisher close: %w", err))
			}
		}
		if p.Deletions != nil {
			if err := p.Deletions.Close(); err != nil {
				errs = append(errs, fmt.Errorf("deletion publisher close: %w", err))
			}
		}
	}
	if c.NATS != nil {
		if err := c.NATS.Close(); err != nil {
			errs = append(errs, fmt.Errorf("nats close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	var topics []string
	if c.Config.Notifications.Transport == "kafka" {
		topics = append(topics, c.Config.Kafka.EventsTopic)
	}
	if c.Config.AutoDelete.Mode == "kafka" {
		topics = append(topics, c.Config.Kafka.DeletionsTopic)
	}
	return c.Kafka.EnsureTopics(ctx, topics...)
}
