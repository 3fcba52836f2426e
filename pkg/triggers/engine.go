// Package triggers implements the trigger engine: inbound events are matched against active
// triggers and each match runs its action pipeline as a separate job.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/otelhelper"
	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/services"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	evaluator   *conditions.Evaluator
	executor    protocol.ActionExecutor
	dispatcher  jobs.Dispatcher
	clock       clockwork.Clock
	tracer      trace.Tracer
}

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func NewEngine(
	logger *slog.Logger,
	p persistence.Persistence,
	executor protocol.ActionExecutor,
	dispatcher jobs.Dispatcher,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:      logger.With("module", "trigger_engine"),
		persistence: p,
		executor:    executor,
		dispatcher:  dispatcher,
		clock:       clockwork.NewRealClock(),
		tracer:      otelhelper.NoopTracer(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.evaluator = conditions.NewEvaluator(e.clock)

	return e
}

// ProcessResult reports what ProcessEvent matched and the jobs it started.
type ProcessResult struct {
	EventID         string         `json:"eventId"`
	MatchedTriggers []string       `json:"matchedTriggers"`
	Executions      []string       `json:"executions"`
	Jobs            []*jobs.Handle `json:"-"`
}

// ProcessEvent records the event, matches it against the user's active triggers and starts one
// execution per match. Counters of matched triggers are updated before it returns; actions run
// in the dispatched jobs.
func (e *Engine) ProcessEvent(ctx context.Context, userID string, event models.Event) (result *ProcessResult, err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "triggers.ProcessEvent",
		attribute.String(otelhelper.UserIDKey, userID),
		attribute.String("nurture.event.source", event.SourceType),
		attribute.String("nurture.event.type", event.EventType),
	)
	defer func() { otelhelper.End(span, err) }()

	if err := services.NewValidationError("ProcessEvent", eventProblems(userID, event)...); err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	record := event.Record()

	audit := &models.RealTimeEvent{
		ID:              uuid.NewString(),
		UserID:          userID,
		SourceType:      event.SourceType,
		EventType:       event.EventType,
		ContactID:       event.ContactID,
		Payload:         event.Payload,
		Status:          models.EventStatusProcessing,
		MatchedTriggers: []string{},
		OccurredAt:      event.Timestamp.UTC(),
		ReceivedAt:      now,
	}

	events := e.persistence.EventRepository()
	if err := events.SaveEvent(ctx, audit); err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}

	logger := e.logger.With("event_id", audit.ID, "user_id", userID, "source", event.SourceType, "event_type", event.EventType)
	span.SetAttributes(attribute.String(otelhelper.EventIDKey, audit.ID))

	candidates, err := e.persistence.TriggerRepository().ActiveTriggers(ctx, userID, event.SourceType, event.EventType)
	if err != nil {
		e.finishEvent(ctx, audit, err)

		return nil, fmt.Errorf("failed to select triggers: %w", err)
	}

	result = &ProcessResult{EventID: audit.ID, MatchedTriggers: []string{}, Executions: []string{}}

	for _, trigger := range candidates {
		if !e.evaluator.Evaluate(&trigger.Conditions, record) {
			continue
		}

		executionID, handle, err := e.startExecution(ctx, trigger, audit, record)
		if err != nil {
			logger.ErrorContext(ctx, "failed to start trigger execution", "trigger_id", trigger.ID, "error", err)

			continue
		}

		result.MatchedTriggers = append(result.MatchedTriggers, trigger.ID)
		result.Executions = append(result.Executions, executionID)
		result.Jobs = append(result.Jobs, handle)
	}

	audit.MatchedTriggers = result.MatchedTriggers
	e.finishEvent(ctx, audit, nil)

	logger.InfoContext(ctx, "event processed", "candidates", len(candidates), "matched", len(result.MatchedTriggers))

	return result, nil
}

func (e *Engine) startExecution(ctx context.Context, trigger *models.Trigger, audit *models.RealTimeEvent, record map[string]any) (string, *jobs.Handle, error) {
	now := e.clock.Now().UTC()

	execution := &models.TriggerExecution{
		ID:            uuid.NewString(),
		TriggerID:     trigger.ID,
		EventID:       audit.ID,
		UserID:        audit.UserID,
		ContactID:     audit.ContactID,
		Status:        models.ExecutionStatusPending,
		Record:        record,
		ActionResults: []models.ActionResult{},
		StartedAt:     now,
	}

	repo := e.persistence.TriggerRepository()

	if err := repo.SaveExecution(ctx, execution); err != nil {
		return "", nil, fmt.Errorf("failed to save execution: %w", err)
	}

	if err := repo.RecordTriggerFired(ctx, trigger.ID, now); err != nil {
		return "", nil, fmt.Errorf("failed to record trigger execution: %w", err)
	}

	handle, err := e.dispatcher.Dispatch(ctx, jobs.Job{Kind: jobs.KindTriggerExecution, ID: execution.ID})
	if err != nil {
		return "", nil, fmt.Errorf("failed to dispatch execution %s: %w", execution.ID, err)
	}

	return execution.ID, handle, nil
}

func (e *Engine) finishEvent(ctx context.Context, audit *models.RealTimeEvent, cause error) {
	processed := e.clock.Now().UTC()
	audit.ProcessedAt = &processed
	audit.Status = models.EventStatusProcessed

	if cause != nil {
		audit.Status = models.EventStatusFailed
		audit.Error = cause.Error()
	}

	if err := e.persistence.EventRepository().SaveEvent(ctx, audit); err != nil {
		e.logger.ErrorContext(ctx, "failed to update event", "event_id", audit.ID, "error", err)
	}
}

// ExecuteTrigger runs the action pipeline of a pending execution. Actions run sequentially in
// ascending order; a failing action is recorded and the pipeline continues. Executing an
// already completed execution is a no-op.
func (e *Engine) ExecuteTrigger(ctx context.Context, executionID string) (err error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "triggers.ExecuteTrigger",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
	)
	defer func() { otelhelper.End(span, err) }()

	repo := e.persistence.TriggerRepository()

	execution, err := repo.Execution(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.CompletedAt != nil {
		return nil
	}

	logger := e.logger.With("execution_id", execution.ID, "trigger_id", execution.TriggerID)
	span.SetAttributes(attribute.String(otelhelper.TriggerIDKey, execution.TriggerID))

	trigger, err := repo.Trigger(ctx, execution.TriggerID)
	if err != nil {
		if !persistence.IsNotFound(err) {
			return err
		}

		logger.WarnContext(ctx, "trigger deleted before execution")
		execution.Status = models.ExecutionStatusFailed

		return e.completeExecution(ctx, execution)
	}

	execution.Status = models.ExecutionStatusRunning
	if err := repo.SaveExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}

	req := protocol.ActionRequest{
		UserID:      execution.UserID,
		ContactID:   execution.ContactID,
		TriggerID:   trigger.ID,
		ExecutionID: execution.ID,
		Record:      execution.Record,
	}

	actions := trigger.SortedActions()
	for _, action := range actions {
		execution.ActionResults = append(execution.ActionResults, e.runAction(ctx, action, req, logger))
	}

	execution.Status = aggregateStatus(len(actions), execution.Failures())

	if err := e.completeExecution(ctx, execution); err != nil {
		return err
	}

	if err := repo.RecordTriggerOutcome(ctx, trigger.ID, execution.Failures() == 0); err != nil {
		return fmt.Errorf("failed to record trigger outcome: %w", err)
	}

	logger.InfoContext(ctx, "trigger executed", "status", execution.Status, "actions", len(actions), "failures", execution.Failures())

	return nil
}

func (e *Engine) runAction(ctx context.Context, action models.Action, req protocol.ActionRequest, logger *slog.Logger) (result models.ActionResult) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "triggers.action",
		attribute.String(otelhelper.ActionIDKey, action.ID),
		attribute.String(otelhelper.ActionTypeKey, string(action.Type)),
	)

	start := e.clock.Now()
	result = models.ActionResult{ActionID: action.ID, ActionType: action.Type}

	defer func() {
		if r := recover(); r != nil {
			result.Status = models.ActionResultFailed
			result.Error = fmt.Sprintf("action panicked: %v", r)
		}

		result.DurationMs = e.clock.Since(start).Milliseconds()

		if result.Status == models.ActionResultFailed {
			otelhelper.SetError(span, errors.New(result.Error))
			logger.WarnContext(ctx, "action failed", "action_id", action.ID, "action_type", action.Type, "error", result.Error)
		}

		span.End()
	}()

	output, err := e.executor.Execute(ctx, action.Type, action.Config, req)
	if err != nil {
		failure := &services.ActionFailure{Item: fmt.Sprintf("action %s (%s)", action.ID, action.Type), Err: err}
		result.Status = models.ActionResultFailed
		result.Error = failure.Error()

		return result
	}

	result.Status = models.ActionResultSuccess
	result.Result = output

	return result
}

func (e *Engine) completeExecution(ctx context.Context, execution *models.TriggerExecution) error {
	completed := e.clock.Now().UTC()
	execution.CompletedAt = &completed

	if err := e.persistence.TriggerRepository().SaveExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", execution.ID, err)
	}

	return nil
}

// aggregateStatus is completed without failures, failed when every action failed and partial
// otherwise.
func aggregateStatus(total, failures int) models.ExecutionStatus {
	switch {
	case failures == 0:
		return models.ExecutionStatusCompleted
	case failures == total:
		return models.ExecutionStatusFailed
	default:
		return models.ExecutionStatusPartial
	}
}

func eventProblems(userID string, event models.Event) []string {
	var problems []string

	if userID == "" {
		problems = append(problems, "userId is required")
	}

	if event.SourceType == "" {
		problems = append(problems, "sourceType is required")
	}

	return problems
}
