package handlers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acme/mass-dispatch/internal/repository"
	"github.com/acme/mass-dispatch/internal/scheduler"
	campaignsvc "github.com/acme/mass-dispatch/internal/service/campaign"
	"github.com/acme/mass-dispatch/pkg/logger"
)

// Dispatcher is the dispatch control surface.
type Dispatcher interface {
	Start(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID, reason string) error
	Cancel(ctx context.Context, id uuid.UUID) error
	Ready() bool
	Running() int
}

// SchedulerControl exposes the scheduler loop.
type SchedulerControl interface {
	Stats() scheduler.Stats
	CheckNow()
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the handler set.
type Deps struct {
	Campaigns *campaignsvc.Service
	Engine    Dispatcher
	Scheduler SchedulerControl
	Journal   repository.AttemptJournal
	Checks    map[string]HealthCheck
	Logger    *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	engine    Dispatcher
	scheduler SchedulerControl
	journal   repository.AttemptJournal
	checks    map[string]HealthCheck
	logger    *logger.Logger
	validate  *validator.Validate
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Journal == nil {
		deps.Journal = repository.NopJournal{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{
		campaigns: deps.Campaigns,
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		journal:   deps.Journal,
		checks:    deps.Checks,
		logger:    deps.Logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	v1 := api.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Put("/:id", h.updateCampaign)
	campaigns.Delete("/:id", h.deleteCampaign)
	campaigns.Post("/:id/validate", h.validateCampaign)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/attempts", h.listAttempts)

	sched := v1.Group("/scheduler")
	sched.Get("/", h.schedulerStats)
	sched.Post("/check", h.schedulerCheck)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}
	if h.engine != nil && !h.engine.Ready() {
		errs["engine"] = "recovery not completed"
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
