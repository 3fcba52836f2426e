package web

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dukex/nurture/pkg/drip"
	"github.com/dukex/nurture/pkg/eventbus"
	"github.com/dukex/nurture/pkg/events"
	"github.com/dukex/nurture/pkg/flows"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/services"
	"github.com/dukex/nurture/pkg/triggers"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
)

// Dependencies are the services and engines behind the API.
type Dependencies struct {
	Persistence persistence.Persistence
	Triggers    *services.Trigger
	Flows       *services.Flow
	Campaigns   *services.Campaign

	TriggerEngine *triggers.Engine
	FlowEngine    *flows.Engine
	DripEngine    *drip.Engine

	// Bus receives events posted with ?async=true. Async ingestion is refused without it.
	Bus   eventbus.EventBus
	Clock clockwork.Clock
}

type APIHandlers struct {
	Dependencies

	validator *validator.Validate
}

func NewAPIHandlers(deps Dependencies, validator *validator.Validate) *APIHandlers {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	return &APIHandlers{Dependencies: deps, validator: validator}
}

// bind decodes and validates the JSON body into out. It writes the problem response itself and
// reports whether the handler may continue.
func (h *APIHandlers) bind(c fiber.Ctx, out any) (bool, error) {
	if err := c.Bind().JSON(out); err != nil {
		return false, badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(out); err != nil {
		return false, badRequest(c, err.Error())
	}

	return true, nil
}

func userID(c fiber.Ctx) string {
	return c.Get(UserHeader)
}

func missingUser(c fiber.Ctx) error {
	return badRequest(c, UserHeader+" header is required")
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status, httpStatus, detail := "healthy", http.StatusOK, ""

	if err := h.Persistence.HealthCheck(c.Context()); err != nil {
		status, httpStatus, detail = "unhealthy", http.StatusServiceUnavailable, err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"detail":    detail,
		"timestamp": h.Clock.Now().UTC(),
	})
}

// ProcessEvent ingests one event. With ?async=true the event is queued on the bus and the
// response is 202 without match results.
func (h *APIHandlers) ProcessEvent(c fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}

	var event models.Event
	if ok, err := h.bind(c, &event); !ok {
		return err
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		return h.enqueueEvent(c, user, event)
	}

	result, err := h.TriggerEngine.ProcessEvent(c.Context(), user, event)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) enqueueEvent(c fiber.Ctx, user string, event models.Event) error {
	if h.Bus == nil {
		return badRequest(c, "async ingestion is not available")
	}

	received := events.EventReceived{
		BaseEvent: events.NewBaseEvent(h.Bus.GenerateID(), events.EventReceivedEvent, h.Clock.Now()),
		UserID:    user,
		Event:     event,
	}

	if err := h.Bus.Publish(c.Context(), user, received); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": received.ID})
}

func (h *APIHandlers) ListTriggers(c fiber.Ctx) error {
	list, err := h.Triggers.List(c.Context(), userID(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(orEmpty(list))
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	user := userID(c)
	if user == "" {
		return missingUser(c)
	}

	var req TriggerRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	trigger, err := h.Triggers.Create(c.Context(), req.model(user))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trigger)
}

func (h *APIHandlers) GetTrigger(c fiber.Ctx) error {
	return respond(c, h.Triggers.Get)
}

func (h *APIHandlers) UpdateTrigger(c fiber.Ctx) error {
	var req TriggerRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	updated, err := h.Triggers.Update(c.Context(), c.Params("id"), req.model(userID(c)))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteTrigger(c fiber.Ctx) error {
	return deleted(c, h.Triggers.Delete)
}

func (h *APIHandlers) ActivateTrigger(c fiber.Ctx) error {
	return respond(c, h.Triggers.Activate)
}

func (h *APIHandlers) PauseTrigger(c fiber.Ctx) error {
	return respond(c, h.Triggers.Pause)
}

func (h *APIHandlers) DuplicateTrigger(c fiber.Ctx) error {
	return created(c, h.Triggers.Duplicate)
}

func (h *APIHandlers) TriggerExecutions(c fiber.Ctx) error {
	limit := 50
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}

		limit = parsed
	}

	list, err := h.Triggers.Executions(c.Context(), c.Params("id"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(orEmpty(list))
}

// respond runs an operation on the :id path parameter and writes its result.
func respond[T any](c fiber.Ctx, op func(ctx context.Context, id string) (T, error)) error {
	out, err := op(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(out)
}

func created[T any](c fiber.Ctx, op func(ctx context.Context, id string) (T, error)) error {
	out, err := op(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(out)
}

func deleted(c fiber.Ctx, op func(ctx context.Context, id string) error) error {
	if err := op(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func orEmpty[T any](list []T) []T {
	if list == nil {
		return []T{}
	}

	return list
}
