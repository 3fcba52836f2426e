package web

import (
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	list, err := h.Flows.List(c.Context(), userID(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(orEmpty(list))
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}

	var req FlowRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	flow, err := h.Flows.Create(c.Context(), req.model(user))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	return respond(c, h.Flows.Get)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	var req FlowRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	flow, err := h.Flows.Update(c.Context(), c.Params("id"), req.model(userID(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	return deleted(c, h.Flows.Delete)
}

// PublishFlow validates the graph and snapshots it as the next version. Validation problems are
// all listed in the 400 response.
func (h *APIHandlers) PublishFlow(c fiber.Ctx) error {
	return respond(c, h.FlowEngine.Publish)
}

func (h *APIHandlers) UnpublishFlow(c fiber.Ctx) error {
	return respond(c, h.FlowEngine.Unpublish)
}

func (h *APIHandlers) DuplicateFlow(c fiber.Ctx) error {
	return created(c, h.Flows.Duplicate)
}

func (h *APIHandlers) ArchiveFlow(c fiber.Ctx) error {
	return respond(c, h.Flows.Archive)
}

func (h *APIHandlers) FlowInstances(c fiber.Ctx) error {
	list, err := h.Flows.Instances(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(orEmpty(list))
}

func (h *APIHandlers) RunFlow(c fiber.Ctx) error {
	var req RunFlowRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	instance, err := h.FlowEngine.Start(c.Context(), protocol.StartFlowRequest{
		UserID:    userID(c),
		FlowID:    c.Params("id"),
		ContactID: req.ContactID,
		Variables: req.Variables,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	return respond(c, h.Flows.Instance)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	return respond(c, h.FlowEngine.Cancel)
}

func (h *APIHandlers) PauseInstance(c fiber.Ctx) error {
	return respond(c, h.FlowEngine.Pause)
}

func (h *APIHandlers) ResumeInstance(c fiber.Ctx) error {
	return respond(c, h.FlowEngine.ResumeInstance)
}

func (h *APIHandlers) RetryInstance(c fiber.Ctx) error {
	return respond(c, h.FlowEngine.Retry)
}

// Reply routes an inbound contact reply to the flow instances waiting for it and flags the
// contact's drip runs as replied.
func (h *APIHandlers) Reply(c fiber.Ctx) error {
	var req ReplyRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	instances, err := h.FlowEngine.HandleReply(c.Context(), req.ContactID, req.Text)
	if err != nil {
		return handleServiceError(c, err)
	}

	runs, err := h.DripEngine.MarkReply(c.Context(), req.ContactID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instances": orEmpty(instances),
		"runs":      orEmpty(runs),
	})
}
