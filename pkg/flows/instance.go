package flows

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/dukex/nurture/pkg/lease"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/services"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Start creates an instance of the published version of a flow and dispatches its walk.
func (e *Engine) Start(ctx context.Context, req protocol.StartFlowRequest) (instance *models.FlowInstance, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flows.Start",
		attribute.String(otelhelper.FlowIDKey, req.FlowID),
		attribute.String(otelhelper.ContactIDKey, req.ContactID),
	)
	defer func() { otelhelper.End(span, err) }()

	if req.FlowID == "" {
		return nil, services.NewValidationError("StartFlow", "flowId is required")
	}

	flow, err := e.flows().Flow(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}

	if req.UserID != "" && flow.UserID != req.UserID {
		return nil, persistence.NotFound("StartFlow", "flow", req.FlowID)
	}

	if flow.Status != models.FlowStatusPublished {
		return nil, services.NewConflictError("StartFlow", "flow %s is %s", flow.ID, flow.Status)
	}

	version, err := e.flows().FlowVersion(ctx, flow.ID, flow.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load published version: %w", err)
	}

	start, ok := version.StartNode()
	if !ok {
		return nil, services.NewValidationError("StartFlow", "published version has no start node")
	}

	variables := map[string]any{}
	maps.Copy(variables, req.Variables)

	now := e.now()
	instance = &models.FlowInstance{
		ID:            uuid.NewString(),
		FlowID:        flow.ID,
		FlowVersion:   version.Version,
		UserID:        flow.UserID,
		ContactID:     req.ContactID,
		Status:        models.InstanceRunning,
		CurrentNodeID: start.ID,
		Variables:     variables,
		NodeHistory:   []models.NodeHistoryEntry{},
		StartedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.instances().CreateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	e.adjust(ctx, flow.ID, models.FlowCounterDelta{Total: 1, Active: 1})

	if _, err := e.dispatchWalk(ctx, instance.ID); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "instance started", "instance_id", instance.ID, "flow_id", flow.ID, "contact_id", req.ContactID)

	return instance, nil
}

// Resume continues a waiting instance after its timer elapsed. A wait_for_reply node that
// times out follows its timeout edge.
func (e *Engine) Resume(ctx context.Context, instanceID string) (*models.FlowInstance, error) {
	instance, err := e.instances().Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if instance.Status != models.InstanceWaiting {
		return nil, services.NewConflictError("ResumeInstance", "instance %s is %s", instanceID, instance.Status)
	}

	handle := ""
	if instance.WaitingFor == models.WaitingForReply {
		handle = models.HandleTimeout
	}

	return e.advance(ctx, instance, handle, nil)
}

// HandleReply resumes every instance of the contact waiting for a reply. The text is stored in
// the node's saveAs variable and the walk follows the reply edge.
func (e *Engine) HandleReply(ctx context.Context, contactID, text string) ([]*models.FlowInstance, error) {
	if contactID == "" {
		return nil, services.NewValidationError("HandleReply", "contactId is required")
	}

	waiting, err := e.instances().WaitingForReply(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to find waiting instances: %w", err)
	}

	resumed := make([]*models.FlowInstance, 0, len(waiting))

	for _, instance := range waiting {
		updated, err := e.advance(ctx, instance, models.HandleReply, func(i *models.FlowInstance, version *models.FlowVersion) {
			name := defaultReplyVariable
			if node, ok := version.Node(i.CurrentNodeID); ok {
				name = replyVariable(node)
			}

			if i.Variables == nil {
				i.Variables = map[string]any{}
			}

			i.Variables[name] = text
		})
		if err != nil {
			if services.IsConflictError(err) {
				continue
			}

			return resumed, err
		}

		resumed = append(resumed, updated)
	}

	return resumed, nil
}

// advance closes the waiting history entry, moves the instance past its current node and
// dispatches the walk.
func (e *Engine) advance(
	ctx context.Context,
	instance *models.FlowInstance,
	handle string,
	mutate func(*models.FlowInstance, *models.FlowVersion),
) (*models.FlowInstance, error) {
	version, err := e.version(ctx, instance)
	if err != nil {
		return nil, err
	}

	// edge guards see no contact when it cannot be loaded; the walk reports the lookup error
	contact, err := e.contact(ctx, instance)
	if err != nil {
		e.logger.WarnContext(ctx, "resuming without contact", "instance_id", instance.ID, "error", err)
	}

	completed := false

	err = e.commit(ctx, "ResumeInstance", instance, func(i *models.FlowInstance) error {
		if i.Status != models.InstanceWaiting {
			return services.NewConflictError("ResumeInstance", "instance %s is %s", i.ID, i.Status)
		}

		if mutate != nil {
			mutate(i, version)
		}

		if last := i.LastEntry(); last != nil && last.Status == models.NodeRunWaiting {
			e.exit(last, nil)
			if handle != "" {
				if last.Result == nil {
					last.Result = map[string]any{}
				}

				last.Result["resumedBy"] = handle
			}
		}

		now := e.now()
		i.WaitingFor = ""
		i.WaitingUntil = nil
		i.UpdatedAt = now

		node, ok := version.Node(i.CurrentNodeID)

		next, found := "", false
		if ok {
			next, found = e.next(version, node, handle, scope(i, contact))
		}

		completed = !found
		if completed {
			i.Status = models.InstanceCompleted
			i.CompletedAt = &now

			return nil
		}

		i.Status = models.InstanceRunning
		i.CurrentNodeID = next

		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed {
		e.adjust(ctx, instance.FlowID, models.FlowCounterDelta{Active: -1, Completed: 1})

		return instance, nil
	}

	if _, err := e.dispatchWalk(ctx, instance.ID); err != nil {
		return nil, err
	}

	return instance, nil
}

// Pause stops a running or waiting instance. Its suspension is kept for ResumeInstance. A node
// executing when the instance is paused finishes, and the walk stops after it.
func (e *Engine) Pause(ctx context.Context, instanceID string) (*models.FlowInstance, error) {
	instance, err := e.instances().Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	err = e.commit(ctx, "PauseInstance", instance, func(i *models.FlowInstance) error {
		if i.Status != models.InstanceRunning && i.Status != models.InstanceWaiting {
			return services.NewConflictError("PauseInstance", "instance %s is %s", instanceID, i.Status)
		}

		i.Status = models.InstancePaused
		i.UpdatedAt = e.now()

		return nil
	})
	if err != nil {
		return nil, err
	}

	return instance, nil
}

// ResumeInstance reverses Pause. An instance paused while suspended goes back to waiting,
// otherwise its walk is dispatched again.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID string) (*models.FlowInstance, error) {
	instance, err := e.instances().Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	err = e.commit(ctx, "ResumeInstance", instance, func(i *models.FlowInstance) error {
		if i.Status != models.InstancePaused {
			return services.NewConflictError("ResumeInstance", "instance %s is %s", instanceID, i.Status)
		}

		i.Status = models.InstanceRunning
		if i.WaitingFor != "" {
			i.Status = models.InstanceWaiting
		}

		i.UpdatedAt = e.now()

		return nil
	})
	if err != nil {
		return nil, err
	}

	if instance.Status == models.InstanceRunning {
		if _, err := e.dispatchWalk(ctx, instance.ID); err != nil {
			return nil, err
		}
	}

	return instance, nil
}

// Cancel terminates a running, waiting or paused instance. A node already executing is not
// interrupted; the walk stops before the next transition. Cancelling an instance that is not
// active reports not found.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (*models.FlowInstance, error) {
	instance, err := e.instances().Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	err = e.commit(ctx, "CancelInstance", instance, func(i *models.FlowInstance) error {
		if !i.Status.IsActive() {
			return fmt.Errorf("%w: no active instance %s", services.ErrNotFound, instanceID)
		}

		now := e.now()
		i.Status = models.InstanceCancelled
		i.CompletedAt = &now
		i.UpdatedAt = now

		return nil
	})
	if err != nil {
		return nil, err
	}

	e.adjust(ctx, instance.FlowID, models.FlowCounterDelta{Active: -1})
	e.logger.InfoContext(ctx, "instance cancelled", "instance_id", instanceID, "flow_id", instance.FlowID)

	return instance, nil
}

// Retry re-enters a failed instance at the node that failed, when the version's settings
// allow another attempt.
func (e *Engine) Retry(ctx context.Context, instanceID string) (*models.FlowInstance, error) {
	instance, err := e.instances().Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	version, err := e.version(ctx, instance)
	if err != nil {
		return nil, err
	}

	err = e.commit(ctx, "RetryInstance", instance, func(i *models.FlowInstance) error {
		if i.Status != models.InstanceFailed {
			return services.NewConflictError("RetryInstance", "instance %s is %s", instanceID, i.Status)
		}

		if !retryable(version.Settings, i) {
			return services.NewConflictError("RetryInstance", "instance %s exhausted its retries (%d of %d)",
				instanceID, i.RetryCount, version.Settings.MaxRetries)
		}

		i.Status = models.InstanceRunning
		i.RetryCount++
		i.Error = ""
		i.UpdatedAt = e.now()

		return nil
	})
	if err != nil {
		return nil, err
	}

	e.adjust(ctx, instance.FlowID, models.FlowCounterDelta{Active: 1, Failed: -1})

	if _, err := e.dispatchWalk(ctx, instance.ID); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "instance retried", "instance_id", instanceID, "attempt", instance.RetryCount)

	return instance, nil
}

func retryable(settings models.FlowSettings, instance *models.FlowInstance) bool {
	return settings.RetryOnFailure && instance.RetryCount < settings.MaxRetries
}

// ResumeDue resumes up to limit instances whose timer elapsed and returns how many resumed.
func (e *Engine) ResumeDue(ctx context.Context, limit int) (int, error) {
	due, err := e.instances().DueInstances(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due instances: %w", err)
	}

	resumed := 0

	for _, instance := range due {
		err := lease.Do(ctx, e.leaser, lease.InstanceKey(instance.ID), e.leaseTTL, func(ctx context.Context) error {
			_, err := e.Resume(ctx, instance.ID)

			return err
		})

		switch {
		case err == nil:
			resumed++
		case errors.Is(err, lease.ErrHeld), services.IsConflictError(err):
		default:
			e.logger.ErrorContext(ctx, "failed to resume instance", "instance_id", instance.ID, "error", err)
		}
	}

	return resumed, nil
}

// RetryFailed retries up to limit failed instances whose flow allows it.
func (e *Engine) RetryFailed(ctx context.Context, limit int) (int, error) {
	failed, err := e.instances().FailedInstances(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed instances: %w", err)
	}

	retried := 0

	for _, instance := range failed {
		version, err := e.version(ctx, instance)
		if err != nil || !retryable(version.Settings, instance) {
			continue
		}

		err = lease.Do(ctx, e.leaser, lease.InstanceKey(instance.ID), e.leaseTTL, func(ctx context.Context) error {
			_, err := e.Retry(ctx, instance.ID)

			return err
		})

		switch {
		case err == nil:
			retried++
		case errors.Is(err, lease.ErrHeld), services.IsConflictError(err):
		default:
			e.logger.ErrorContext(ctx, "failed to retry instance", "instance_id", instance.ID, "error", err)
		}
	}

	return retried, nil
}

func (e *Engine) conflict(op, instanceID string, err error) error {
	if persistence.IsStatusConflict(err) {
		return &services.ConflictError{Op: op, Message: fmt.Sprintf("instance %s changed state", instanceID), Err: err}
	}

	return fmt.Errorf("failed to update instance %s: %w", instanceID, err)
}
