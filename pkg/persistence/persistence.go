// Package persistence provides the storage abstraction used by the automation engines.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/nurture/pkg/models"
)

// Persistence bundles every repository behind one connection.
type Persistence interface {
	TriggerRepository() TriggerRepository
	EventRepository() EventRepository
	FlowRepository() FlowRepository
	InstanceRepository() InstanceRepository
	CampaignRepository() CampaignRepository
	RunRepository() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// TriggerRepository stores triggers and their executions. Counter methods are atomic
// increments; callers never write counters through SaveTrigger.
type TriggerRepository interface {
	SaveTrigger(ctx context.Context, trigger *models.Trigger) error
	Trigger(ctx context.Context, id string) (*models.Trigger, error)
	Triggers(ctx context.Context, userID string) ([]*models.Trigger, error)
	// ActiveTriggers returns active triggers of the user listening to source and eventType,
	// ordered by descending priority.
	ActiveTriggers(ctx context.Context, userID, source, eventType string) ([]*models.Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	RecordTriggerFired(ctx context.Context, id string, at time.Time) error
	RecordTriggerOutcome(ctx context.Context, id string, success bool) error

	SaveExecution(ctx context.Context, execution *models.TriggerExecution) error
	Execution(ctx context.Context, id string) (*models.TriggerExecution, error)
	Executions(ctx context.Context, triggerID string, limit int) ([]*models.TriggerExecution, error)
}

// EventRepository is the append-only audit of ingested events.
type EventRepository interface {
	SaveEvent(ctx context.Context, event *models.RealTimeEvent) error
	Event(ctx context.Context, id string) (*models.RealTimeEvent, error)
}

// FlowRepository stores flow definitions and their published snapshots.
type FlowRepository interface {
	SaveFlow(ctx context.Context, flow *models.FlowDefinition) error
	Flow(ctx context.Context, id string) (*models.FlowDefinition, error)
	Flows(ctx context.Context, userID string) ([]*models.FlowDefinition, error)
	DeleteFlow(ctx context.Context, id string) error

	SaveFlowVersion(ctx context.Context, version *models.FlowVersion) error
	FlowVersion(ctx context.Context, flowID string, version int) (*models.FlowVersion, error)

	AdjustFlowCounters(ctx context.Context, flowID string, delta models.FlowCounterDelta) error
}

// InstanceRepository stores flow instances. UpdateInstance is a compare-and-swap: the stored
// revision must equal instance.Revision and, when expected is non-empty, the stored status must
// be one of them, else ErrStatusConflict. On success instance.Revision is the new revision.
type InstanceRepository interface {
	CreateInstance(ctx context.Context, instance *models.FlowInstance) error
	Instance(ctx context.Context, id string) (*models.FlowInstance, error)
	UpdateInstance(ctx context.Context, instance *models.FlowInstance, expected ...models.InstanceStatus) error
	Instances(ctx context.Context, flowID string) ([]*models.FlowInstance, error)

	// DueInstances returns waiting instances whose waitingUntil is at or before now.
	DueInstances(ctx context.Context, now time.Time, limit int) ([]*models.FlowInstance, error)
	// WaitingForReply returns instances of the contact suspended on a reply.
	WaitingForReply(ctx context.Context, contactID string) ([]*models.FlowInstance, error)
	FailedInstances(ctx context.Context, limit int) ([]*models.FlowInstance, error)
}

// CampaignRepository stores drip campaigns. Metrics change only through AdjustCampaignMetrics.
type CampaignRepository interface {
	SaveCampaign(ctx context.Context, campaign *models.DripCampaign) error
	Campaign(ctx context.Context, id string) (*models.DripCampaign, error)
	Campaigns(ctx context.Context, userID string) ([]*models.DripCampaign, error)
	DeleteCampaign(ctx context.Context, id string) error

	AdjustCampaignMetrics(ctx context.Context, id string, delta models.CampaignMetrics) error
}

// RunRepository stores drip runs, unique on (campaignID, contactID).
type RunRepository interface {
	// CreateRun fails with ErrRunExists when the contact already has a run in the campaign.
	CreateRun(ctx context.Context, run *models.DripRun) error
	Run(ctx context.Context, id string) (*models.DripRun, error)
	RunByContact(ctx context.Context, campaignID, contactID string) (*models.DripRun, error)
	// UpdateRun is a compare-and-swap on revision and, when expected is non-empty, on status.
	UpdateRun(ctx context.Context, run *models.DripRun, expected ...models.RunStatus) error

	// DueRuns returns active runs with nextStepScheduledAt at or before now, oldest first.
	DueRuns(ctx context.Context, now time.Time, limit int) ([]*models.DripRun, error)
	RunsByContact(ctx context.Context, contactID string) ([]*models.DripRun, error)
	RunsByCampaign(ctx context.Context, campaignID string) ([]*models.DripRun, error)
	CountEnrolledSince(ctx context.Context, campaignID string, since time.Time) (int, error)
}
