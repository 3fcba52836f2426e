package web

import (
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) ListCampaigns(c fiber.Ctx) error {
	list, err := h.Campaigns.List(c.Context(), userID(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(orEmpty(list))
}

func (h *APIHandlers) CreateCampaign(c fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}

	var req CampaignRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	campaign, err := h.Campaigns.Create(c.Context(), req.model(user))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(campaign)
}

func (h *APIHandlers) GetCampaign(c fiber.Ctx) error {
	return respond(c, h.Campaigns.Get)
}

func (h *APIHandlers) UpdateCampaign(c fiber.Ctx) error {
	var req CampaignRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	campaign, err := h.Campaigns.Update(c.Context(), c.Params("id"), req.model(userID(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(campaign)
}

func (h *APIHandlers) DeleteCampaign(c fiber.Ctx) error {
	return deleted(c, h.Campaigns.Delete)
}

func (h *APIHandlers) ActivateCampaign(c fiber.Ctx) error {
	return respond(c, h.Campaigns.Activate)
}

func (h *APIHandlers) PauseCampaign(c fiber.Ctx) error {
	return respond(c, h.Campaigns.Pause)
}

func (h *APIHandlers) ArchiveCampaign(c fiber.Ctx) error {
	return respond(c, h.Campaigns.Archive)
}

func (h *APIHandlers) DuplicateCampaign(c fiber.Ctx) error {
	return created(c, h.Campaigns.Duplicate)
}

func (h *APIHandlers) CampaignRuns(c fiber.Ctx) error {
	list, err := h.Campaigns.Runs(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(orEmpty(list))
}

func (h *APIHandlers) Enroll(c fiber.Ctx) error {
	var req EnrollRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	run, err := h.DripEngine.Enroll(c.Context(), c.Params("id"), req.ContactID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) Unenroll(c fiber.Ctx) error {
	var req EnrollRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	run, err := h.DripEngine.Unenroll(c.Context(), c.Params("id"), req.ContactID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) Conversion(c fiber.Ctx) error {
	var req ConversionRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	runs, err := h.DripEngine.MarkConversion(c.Context(), req.ContactID, req.CampaignID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(orEmpty(runs))
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	return respond(c, h.Campaigns.Run)
}

func (h *APIHandlers) PauseRun(c fiber.Ctx) error {
	return respond(c, h.DripEngine.PauseRun)
}

func (h *APIHandlers) ResumeRun(c fiber.Ctx) error {
	return respond(c, h.DripEngine.ResumeRun)
}

func (h *APIHandlers) RecordDelivery(c fiber.Ctx) error {
	var req DeliveryRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	run, err := h.DripEngine.RecordDelivery(c.Context(), c.Params("id"), req.MessageID, req.Status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}
