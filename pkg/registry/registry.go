// Package registry maps action types to their implementations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
)

// ErrActionNotRegistered is returned for unknown action types.
var ErrActionNotRegistered = errors.New("action type not registered")

type Registry struct {
	logger  *slog.Logger
	actions map[models.ActionType]protocol.Action
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:  log,
		actions: make(map[models.ActionType]protocol.Action),
	}
}

func (r *Registry) Register(action protocol.Action) {
	r.actions[action.Type()] = action
}

func (r *Registry) Action(actionType models.ActionType) (protocol.Action, bool) {
	action, ok := r.actions[actionType]

	return action, ok
}

// Types returns the registered action types in lexical order.
func (r *Registry) Types() []models.ActionType {
	return slices.Sorted(maps.Keys(r.actions))
}

// ActionProblems checks the action type and validates its config against the action schema.
func (r *Registry) ActionProblems(action models.Action) []string {
	prefix := fmt.Sprintf("actions[%s]", action.ID)

	impl, ok := r.actions[action.Type]
	if !ok {
		return []string{fmt.Sprintf("%s: unknown action type %q", prefix, action.Type)}
	}

	return schema.Validate(prefix+".config", impl.Schema(), action.Config)
}

// Execute runs one action. The config is validated again since stored triggers may predate a
// schema change.
func (r *Registry) Execute(ctx context.Context, actionType models.ActionType, config map[string]any, req protocol.ActionRequest) (map[string]any, error) {
	impl, ok := r.actions[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotRegistered, actionType)
	}

	if problems := schema.Validate("config", impl.Schema(), config); len(problems) > 0 {
		return nil, fmt.Errorf("invalid %s config: %s", actionType, problems[0])
	}

	logger := r.logger.With(
		"action_type", string(actionType),
		"trigger_id", req.TriggerID,
		"execution_id", req.ExecutionID,
	)

	return impl.Execute(ctx, config, req, logger)
}
