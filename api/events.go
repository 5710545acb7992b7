package api

import (

	"github.com/gofiber/fiber/v3"

	"github.com/meikuraledutech/flow"
)

func (s *Server) cardSaved(c fiber.Ctx) error {
	card, err := s.store.GetCard(c.Context(), c.Params("card_id"))
	if err != nil {
		return internalError(c, err)
	}
	if card == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "card not found"})
	}
	ids, err := s.dispatcher.OnCardSave(c.Context(), card)
	return s.dispatched(c, ids, err)
}

type generationFinishedRequest struct {
	CardID    string `json:"card_id"`
	ProjectID string `json:"project_id"`
}

func (s *Server) generationFinished(c fiber.Ctx) error {
	var req generationFinishedRequest
	if err := c.Bind().JSON(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	var card *flow.Card
	if req.CardID != "" {
		var err error
		card, err = s.store.GetCard(c.Context(), req.CardID)
		if err != nil {
			return internalError(c, err)
		}
		if card == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "card not found"})
		}
		if req.ProjectID == "" {
			req.ProjectID = card.ProjectID
		}
	}
	if req.ProjectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "project_id is required"})
	}

	ids, err := s.dispatcher.OnGenerationFinish(c.Context(), card, req.ProjectID)
	return s.dispatched(c, ids, err)
}

func (s *Server) projectCreated(c fiber.Ctx) error {
	ids, err := s.dispatcher.OnProjectCreate(c.Context(), c.Params("project_id"))
	return s.dispatched(c, ids, err)
}

// dispatched reports the started runs. Runs started before a store failure
// are still returned alongside the error.
func (s *Server) dispatched(c fiber.Ctx, ids []string, err error) error {
	if ids == nil {
		ids = []string{}
	}
	if err != nil {
		s.logger.Error("dispatch event", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"run_ids": ids, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"run_ids": ids})
}
