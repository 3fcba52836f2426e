package web

import "github.com/gofiber/fiber/v3"

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)
	router.Post("/events", h.ProcessEvent)

	t := router.Group("/triggers")
	t.Get("/", h.ListTriggers)
	t.Post("/", h.CreateTrigger)
	t.Get("/:id", h.GetTrigger)
	t.Patch("/:id", h.UpdateTrigger)
	t.Delete("/:id", h.DeleteTrigger)
	t.Post("/:id/activate", h.ActivateTrigger)
	t.Post("/:id/pause", h.PauseTrigger)
	t.Post("/:id/duplicate", h.DuplicateTrigger)
	t.Get("/:id/executions", h.TriggerExecutions)

	f := router.Group("/flows")
	f.Get("/", h.ListFlows)
	f.Post("/", h.CreateFlow)
	f.Get("/:id", h.GetFlow)
	f.Patch("/:id", h.UpdateFlow)
	f.Delete("/:id", h.DeleteFlow)
	f.Post("/:id/publish", h.PublishFlow)
	f.Post("/:id/unpublish", h.UnpublishFlow)
	f.Post("/:id/duplicate", h.DuplicateFlow)
	f.Post("/:id/archive", h.ArchiveFlow)
	f.Post("/:id/run", h.RunFlow)
	f.Get("/:id/instances", h.FlowInstances)

	i := router.Group("/instances")
	i.Post("/replies", h.Reply)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/cancel", h.CancelInstance)
	i.Post("/:id/pause", h.PauseInstance)
	i.Post("/:id/resume", h.ResumeInstance)
	i.Post("/:id/retry", h.RetryInstance)

	c := router.Group("/campaigns")
	c.Get("/", h.ListCampaigns)
	c.Post("/", h.CreateCampaign)
	c.Post("/conversions", h.Conversion)
	c.Get("/runs/:id", h.GetRun)
	c.Post("/runs/:id/pause", h.PauseRun)
	c.Post("/runs/:id/resume", h.ResumeRun)
	c.Post("/runs/:id/delivery", h.RecordDelivery)
	c.Get("/:id", h.GetCampaign)
	c.Patch("/:id", h.UpdateCampaign)
	c.Delete("/:id", h.DeleteCampaign)
	c.Post("/:id/activate", h.ActivateCampaign)
	c.Post("/:id/pause", h.PauseCampaign)
	c.Post("/:id/archive", h.ArchiveCampaign)
	c.Post("/:id/duplicate", h.DuplicateCampaign)
	c.Post("/:id/enroll", h.Enroll)
	c.Post("/:id/unenroll", h.Unenroll)
	c.Get("/:id/runs", h.CampaignRuns)
}
