package api

import (
	"bufio"
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/meikuraledutech/flow"
)

type runRequest struct {
	Scope          map[string]any `json:"scope"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// runWorkflow creates a manual run and schedules it. The response returns
// before execution starts; progress is streamed from the events route.
func (s *Server) runWorkflow(c fiber.Ctx) error {
	var req runRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
	}
	if req.Scope == nil {
		req.Scope = map[string]any{}
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	wf, err := s.store.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}
	if wf == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.FindActiveRun(c.Context(), wf.ID, req.IdempotencyKey)
		if err != nil {
			return internalError(c, err)
		}
		if existing != nil {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"run_id": existing.ID, "status": existing.Status})
		}
	}

	run, err := s.engine.CreateRun(c.Context(), wf, req.Scope, req.Params, req.IdempotencyKey)
	if errors.Is(err, flow.ErrActiveRunExists) {
		// Lost a race with a concurrent request carrying the same key.
		existing, ferr := s.store.FindActiveRun(c.Context(), wf.ID, req.IdempotencyKey)
		if ferr != nil {
			return internalError(c, ferr)
		}
		if existing != nil {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"run_id": existing.ID, "status": existing.Status})
		}
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "idempotency key is busy, retry"})
	}
	if err != nil {
		return internalError(c, err)
	}
	s.engine.Run(c.Context(), run)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"run_id": run.ID, "status": run.Status})
}

func (s *Server) getRun(c fiber.Ctx) error {
	run, err := s.store.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}
	if run == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found"})
	}
	return c.JSON(run)
}

func (s *Server) cancelRun(c fiber.Ctx) error {
	run, err := s.store.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}
	if run == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found"})
	}
	return c.JSON(fiber.Map{"cancelled": s.engine.Cancel(run.ID)})
}

// streamRunEvents streams run events as server-sent events until
// run_completed or until the client goes away.
func (s *Server) streamRunEvents(c fiber.Ctx) error {
	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.engine.SubscribeEvents(ctx, c.Params("id"))
	if errors.Is(err, flow.ErrRunNotFound) {
		cancel()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found"})
	}
	if err != nil {
		cancel()
		return internalError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	runID := c.Params("id")
	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			if _, err := w.WriteString(ev.String()); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				s.logger.Debug("event stream closed by client", "run_id", runID)
				return
			}
		}
	})
}
