// Package api exposes workflows, triggers, runs and domain-event hooks over HTTP.
package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/engine"
	"github.com/meikuraledutech/flow/nodes"
	"github.com/meikuraledutech/flow/trigger"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store      flow.Store
	engine     *engine.Engine
	dispatcher *trigger.Dispatcher
	registry   *nodes.Registry
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer exposes g on /metrics. Without it the route is not registered.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New returns a Server.
func New(store flow.Store, eng *engine.Engine, dispatcher *trigger.Dispatcher, registry *nodes.Registry, opts ...Option) *Server {
	s := &Server{
		store:      store,
		engine:     eng,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// App returns a fiber app with every route registered.
func (s *Server) App() *fiber.App {
	app := fiber.New()
	s.Register(app)
	return app
}

// Register mounts the routes on r.
func (s *Server) Register(r fiber.Router) {
	// ── Node types ────────────────────────────────────────────────────
	r.Get("/workflow-node-types", func(c fiber.Ctx) error {
		return c.JSON(s.registry.Infos())
	})

	// ── Workflows ─────────────────────────────────────────────────────
	r.Get("/workflows", s.listWorkflows)
	r.Post("/workflows", s.createWorkflow)
	r.Get("/workflows/runs/:id", s.getRun)
	r.Post("/workflows/runs/:id/cancel", s.cancelRun)
	r.Get("/workflows/runs/:id/events", s.streamRunEvents)
	r.Get("/workflows/:id", s.getWorkflow)
	r.Put("/workflows/:id", s.updateWorkflow)
	r.Delete("/workflows/:id", s.deleteWorkflow)
	r.Post("/workflows/:id/validate", s.validateWorkflow)
	r.Post("/workflows/:id/run", s.runWorkflow)

	// ── Triggers ──────────────────────────────────────────────────────
	r.Get("/workflow-triggers", s.listTriggers)
	r.Post("/workflow-triggers", s.createTrigger)
	r.Put("/workflow-triggers/:id", s.updateTrigger)
	r.Delete("/workflow-triggers/:id", s.deleteTrigger)

	// ── Domain events ─────────────────────────────────────────────────
	r.Post("/events/card-saved/:card_id", s.cardSaved)
	r.Post("/events/generation-finished", s.generationFinished)
	r.Post("/events/project-created/:project_id", s.projectCreated)

	if s.gatherer != nil {
		r.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

func internalError(c fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
