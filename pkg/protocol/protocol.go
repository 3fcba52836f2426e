// Package protocol defines the contracts between the engines and their collaborators.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukex/nurture/pkg/models"
)

// ActionRequest is the context one action runs in.
type ActionRequest struct {
	UserID      string
	ContactID   string
	TriggerID   string
	ExecutionID string
	// Record is the normalized event record the trigger matched.
	Record map[string]any
}

// Action is one built-in action type.
type Action interface {
	// Type returns the action type this implementation handles
	Type() models.ActionType

	// Schema returns the JSON schema of the action config
	Schema() map[string]any

	// Execute performs the side effect. It must be safe to call repeatedly.
	Execute(ctx context.Context, config map[string]any, req ActionRequest, logger *slog.Logger) (map[string]any, error)
}

// ActionExecutor runs an action by type.
type ActionExecutor interface {
	Execute(ctx context.Context, actionType models.ActionType, config map[string]any, req ActionRequest) (map[string]any, error)
}

// MessageSender delivers content to a contact. A transport error and an unsuccessful result
// are both send failures.
type MessageSender interface {
	Send(ctx context.Context, contact *models.Contact, content models.MessageContent) (models.SendResult, error)
}

// ErrContactNotFound is returned by contact stores for unknown contacts and contacts of
// another user.
var ErrContactNotFound = errors.New("contact not found")

// ContactStore is the read side of the contact subsystem.
type ContactStore interface {
	Contact(ctx context.Context, userID, id string) (*models.Contact, error)
	FindBySegment(ctx context.Context, userID string, group *models.ConditionGroup) ([]*models.Contact, error)
}

// ContactTagger mutates contact tags.
type ContactTagger interface {
	AddTags(ctx context.Context, userID, id string, tags ...string) error
	RemoveTags(ctx context.Context, userID, id string, tags ...string) error
}

// StartFlowRequest asks the flow engine for a new instance.
type StartFlowRequest struct {
	UserID    string
	FlowID    string
	ContactID string
	Variables map[string]any
}

// FlowStarter starts flow instances.
type FlowStarter interface {
	Start(ctx context.Context, req StartFlowRequest) (*models.FlowInstance, error)
}

// DripEnroller enrolls and unenrolls contacts.
type DripEnroller interface {
	Enroll(ctx context.Context, campaignID, contactID string) (*models.DripRun, error)
	Unenroll(ctx context.Context, campaignID, contactID string) (*models.DripRun, error)
}

// HTTPDoer sends outbound HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
