package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/meikuraledutech/flow"
)

type triggerRequest struct {
	WorkflowID   string         `json:"workflow_id"`
	On           flow.Event     `json:"trigger_on"`
	CardTypeName string         `json:"card_type_name"`
	Filter       map[string]any `json:"filter"`
	IsActive     *bool          `json:"is_active"`
}

func (r triggerRequest) trigger() flow.Trigger {
	t := flow.Trigger{
		WorkflowID:   r.WorkflowID,
		On:           r.On,
		CardTypeName: r.CardTypeName,
		Filter:       r.Filter,
		IsActive:     true,
	}
	if r.IsActive != nil {
		t.IsActive = *r.IsActive
	}
	return t
}

func (s *Server) listTriggers(c fiber.Ctx) error {
	ts, err := s.store.ListTriggers(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(ts)
}

func (s *Server) createTrigger(c fiber.Ctx) error {
	var req triggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if !req.On.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown trigger_on event"})
	}
	t := req.trigger()
	err := s.store.CreateTrigger(c.Context(), &t)
	if errors.Is(err, flow.ErrWorkflowNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}

func (s *Server) updateTrigger(c fiber.Ctx) error {
	var req triggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if !req.On.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown trigger_on event"})
	}
	t := req.trigger()
	t.ID = c.Params("id")
	err := s.store.UpdateTrigger(c.Context(), &t)
	if errors.Is(err, flow.ErrTriggerNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "trigger not found"})
	}
	if errors.Is(err, flow.ErrWorkflowNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(t)
}

func (s *Server) deleteTrigger(c fiber.Ctx) error {
	if err := s.store.DeleteTrigger(c.Context(), c.Params("id")); err != nil {
		return internalError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
