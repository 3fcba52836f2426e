package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/services"
	"go.opentelemetry.io/otel/attribute"
)

// Walk advances a running instance node by node until it ends, fails or suspends. It is the
// handler of flow.walk jobs. Instances that are not running are left alone. A cancel or pause
// issued while a node executes stops the walk after that node's history entry and transition
// are stored, so a resumed instance continues at the following node.
func (e *Engine) Walk(ctx context.Context, instanceID string) (err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flows.Walk",
		attribute.String(otelhelper.InstanceIDKey, instanceID),
	)
	defer func() { otelhelper.End(span, err) }()

	instance, err := e.instances().Instance(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status != models.InstanceRunning {
		return nil
	}

	span.SetAttributes(attribute.String(otelhelper.FlowIDKey, instance.FlowID))
	logger := e.logger.With("instance_id", instance.ID, "flow_id", instance.FlowID)

	version, err := e.version(ctx, instance)
	if err != nil {
		return e.fail(ctx, instance, nil, err, logger)
	}

	contact, err := e.contact(ctx, instance)
	if err != nil {
		return e.fail(ctx, instance, nil, err, logger)
	}

	if instance.Variables == nil {
		instance.Variables = map[string]any{}
	}

	variables := instance.Variables

	for range e.maxSteps {
		node, ok := version.Node(instance.CurrentNodeID)
		if !ok {
			return e.fail(ctx, instance, nil, fmt.Errorf("node %s does not exist in version %d", instance.CurrentNodeID, version.Version), logger)
		}

		entry := models.NodeHistoryEntry{
			NodeID:    node.ID,
			NodeType:  node.Type,
			EnteredAt: e.now(),
			Status:    models.NodeRunRunning,
		}

		if node.Type == models.NodeEnd {
			e.exit(&entry, nil)

			return e.complete(ctx, instance, &entry, logger)
		}

		outcome, err := e.runNode(ctx, &NodeContext{
			Instance: instance,
			Node:     node,
			Contact:  contact,
			Now:      entry.EnteredAt,
			Logger:   logger.With("node_id", node.ID, "node_type", node.Type),
		})
		if err != nil {
			failure := &services.ActionFailure{Item: fmt.Sprintf("node %s (%s)", node.ID, node.Type), Err: err}

			return e.fail(ctx, instance, &entry, failure, logger)
		}

		entry.Result = outcome.Result

		if outcome.Suspend != nil {
			entry.Status = models.NodeRunWaiting

			return e.suspend(ctx, instance, &entry, outcome.Suspend, logger)
		}

		e.exit(&entry, nil)

		next, ok := e.next(version, node, outcome.Handle, scope(instance, contact))
		if !ok {
			return e.complete(ctx, instance, &entry, logger)
		}

		err = e.commit(ctx, "Walk", instance, func(i *models.FlowInstance) error {
			i.Variables = variables
			i.NodeHistory = append(i.NodeHistory, entry)
			i.UpdatedAt = e.now()

			if live(i) && i.CurrentNodeID == node.ID {
				i.CurrentNodeID = next
			}

			return nil
		})
		if err != nil {
			return err
		}

		if instance.Status != models.InstanceRunning {
			logger.InfoContext(ctx, "walk stopped, instance changed state", "node_id", node.ID, "status", instance.Status)

			return nil
		}
	}

	return e.fail(ctx, instance, nil, ErrStepLimit, logger)
}

// live reports whether the walk may still move instance: it is running, or paused by a caller
// while a node executed.
func live(instance *models.FlowInstance) bool {
	return instance.Status == models.InstanceRunning || instance.Status == models.InstancePaused
}

func (e *Engine) runNode(ctx context.Context, nc *NodeContext) (outcome Outcome, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flows.node",
		attribute.String(otelhelper.NodeIDKey, nc.Node.ID),
		attribute.String("nurture.node.type", string(nc.Node.Type)),
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}

		otelhelper.End(span, err)
	}()

	handler, ok := e.handlers[nc.Node.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("unknown node type %q", nc.Node.Type)
	}

	return handler.Execute(ctx, nc)
}

// next picks the edge to follow out of node. A matching sourceHandle wins; condition nodes
// fall back to their first edge; any other node takes the first edge whose guard matches.
func (e *Engine) next(version *models.FlowVersion, node *models.FlowNode, handle string, record map[string]any) (string, bool) {
	edges := version.Outgoing(node.ID)
	if len(edges) == 0 {
		return "", false
	}

	if handle != "" {
		for _, edge := range edges {
			if edge.SourceHandle == handle {
				return edge.Target, true
			}
		}
	}

	if node.Type == models.NodeCondition {
		return edges[0].Target, true
	}

	for _, edge := range edges {
		if handle != "" && edge.SourceHandle != "" {
			continue
		}

		if edge.Condition == nil || e.evaluator.Evaluate(edge.Condition, record) {
			return edge.Target, true
		}
	}

	return "", false
}

func (e *Engine) exit(entry *models.NodeHistoryEntry, err error) {
	exited := e.now()
	entry.ExitedAt = &exited
	entry.Status = models.NodeRunCompleted

	if err != nil {
		entry.Status = models.NodeRunFailed
		entry.Error = err.Error()
	}
}

// suspend stores the waiting entry and the suspension. An instance paused meanwhile stays
// paused and returns to waiting on ResumeInstance.
func (e *Engine) suspend(ctx context.Context, instance *models.FlowInstance, entry *models.NodeHistoryEntry, s *Suspension, logger *slog.Logger) error {
	nodeID := entry.NodeID
	variables := instance.Variables

	err := e.commit(ctx, "Walk", instance, func(i *models.FlowInstance) error {
		i.Variables = variables
		i.NodeHistory = append(i.NodeHistory, *entry)
		i.UpdatedAt = e.now()

		if !live(i) || i.CurrentNodeID != nodeID {
			return nil
		}

		if i.Status == models.InstanceRunning {
			i.Status = models.InstanceWaiting
		}

		i.WaitingFor = s.For
		i.WaitingUntil = s.Until

		return nil
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "instance suspended", "node_id", nodeID, "waiting_for", s.For, "status", instance.Status)

	return nil
}

// complete ends the instance after entry, the history entry of its last node.
func (e *Engine) complete(ctx context.Context, instance *models.FlowInstance, entry *models.NodeHistoryEntry, logger *slog.Logger) error {
	completed := false
	variables := instance.Variables

	err := e.commit(ctx, "Walk", instance, func(i *models.FlowInstance) error {
		now := e.now()
		completed = false
		i.Variables = variables

		i.NodeHistory = append(i.NodeHistory, *entry)
		i.UpdatedAt = now

		if !live(i) {
			return nil
		}

		i.Status = models.InstanceCompleted
		i.CompletedAt = &now
		i.WaitingFor = ""
		i.WaitingUntil = nil
		completed = true

		return nil
	})
	if err != nil {
		return err
	}

	if !completed {
		return nil
	}

	e.adjust(ctx, instance.FlowID, models.FlowCounterDelta{Active: -1, Completed: 1})
	logger.InfoContext(ctx, "instance completed", "nodes", len(instance.NodeHistory))

	return nil
}

// fail halts the instance. The error is recorded on the instance and on entry when the failure
// happened inside a node; it is not returned, the instance status carries it.
func (e *Engine) fail(ctx context.Context, instance *models.FlowInstance, entry *models.NodeHistoryEntry, cause error, logger *slog.Logger) error {
	if entry != nil {
		e.exit(entry, cause)
	}

	failed := false
	variables := instance.Variables

	err := e.commit(ctx, "Walk", instance, func(i *models.FlowInstance) error {
		failed = false
		i.Variables = variables

		if entry != nil {
			i.NodeHistory = append(i.NodeHistory, *entry)
		}

		i.UpdatedAt = e.now()

		if !live(i) {
			return nil
		}

		i.Status = models.InstanceFailed
		i.Error = cause.Error()
		i.WaitingFor = ""
		i.WaitingUntil = nil
		failed = true

		return nil
	})
	if err != nil {
		return errors.Join(cause, err)
	}

	if !failed {
		return nil
	}

	e.adjust(ctx, instance.FlowID, models.FlowCounterDelta{Active: -1, Failed: 1})
	logger.WarnContext(ctx, "instance failed", "node_id", instance.CurrentNodeID, "error", cause)

	return nil
}
