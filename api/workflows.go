package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/meikuraledutech/flow"
	"github.com/meikuraledutech/flow/graph"
)

func (s *Server) listWorkflows(c fiber.Ctx) error {
	wfs, err := s.store.ListWorkflows(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(wfs)
}

// createWorkflow accepts a workflow document in JSON or YAML.
func (s *Server) createWorkflow(c fiber.Ctx) error {
	doc, err := flow.ParseWorkflowDocument(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	wf := doc.Workflow()
	if err := graph.Validate(wf.Definition, s.registry.Has); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	if err := s.store.CreateWorkflow(c.Context(), wf); err != nil {
		return internalError(c, err)
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name)
	return c.Status(fiber.StatusCreated).JSON(wf)
}

func (s *Server) getWorkflow(c fiber.Ctx) error {
	wf, err := s.store.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}
	if wf == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
	}
	return c.JSON(wf)
}

// updateWorkflow replaces a workflow and bumps its version. Built-in
// workflows keep their built-in flag.
func (s *Server) updateWorkflow(c fiber.Ctx) error {
	existing, err := s.store.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return internalError(c, err)
	}
	if existing == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
	}
	doc, err := flow.ParseWorkflowDocument(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	wf := doc.Workflow()
	if err := graph.Validate(wf.Definition, s.registry.Has); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	wf.ID = existing.ID
	wf.Version = existing.Version + 1
	wf.IsBuiltIn = existing.IsBuiltIn

	err = s.store.UpdateWorkflow(c.Context(), wf)
	if errors.Is(err, flow.ErrWorkflowNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(wf)
}

func (s *Server) deleteWorkflow(c fiber.Ctx) error {
	if err := s.store.DeleteWorkflow(c.Context(), c.Params("id")); err != nil {
		return internalError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// validateWorkflow checks the definition in the request body, or the stored
// definition when the body is empty.
func (s *Server) validateWorkflow(c fiber.Ctx) error {
	var def flow.Definition
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&def); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
	} else {
		wf, err := s.store.GetWorkflow(c.Context(), c.Params("id"))
		if err != nil {
			return internalError(c, err)
		}
		if wf == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "workflow not found"})
		}
		def = wf.Definition
	}

	if err := graph.Validate(def, s.registry.Has); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"valid": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"valid": true})
}
