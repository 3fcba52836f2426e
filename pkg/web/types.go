// Package web provides the HTTP request types and handlers of the automation API.
package web

import "github.com/dukex/nurture/pkg/models"

// UserHeader identifies the account a request acts for.
const UserHeader = "X-User-ID"

// TriggerRequest is the body of trigger create and update requests.
type TriggerRequest struct {
	Name        string                  `json:"name"           validate:"required"`
	Description string                  `json:"description"`
	EventSource string                  `json:"eventSource"    validate:"required"`
	EventType   string                  `json:"eventType"`
	Conditions  models.ConditionGroup   `json:"conditionGroup"`
	Actions     []models.Action         `json:"actions"        validate:"dive"`
	Priority    int                     `json:"priority"`
	Schedule    *models.TriggerSchedule `json:"schedule,omitempty"`
	Throttle    *models.TriggerThrottle `json:"throttle,omitempty"`
}

func (r TriggerRequest) model(userID string) *models.Trigger {
	return &models.Trigger{
		UserID:      userID,
		Name:        r.Name,
		Description: r.Description,
		EventSource: r.EventSource,
		EventType:   r.EventType,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		Priority:    r.Priority,
		Schedule:    r.Schedule,
		Throttle:    r.Throttle,
	}
}

// FlowRequest is the body of flow create and update requests.
type FlowRequest struct {
	Name        string              `json:"name"        validate:"required"`
	Description string              `json:"description"`
	Nodes       []models.FlowNode   `json:"nodes"       validate:"dive"`
	Edges       []models.FlowEdge   `json:"edges"       validate:"dive"`
	Settings    models.FlowSettings `json:"settings"`
}

func (r FlowRequest) model(userID string) *models.FlowDefinition {
	return &models.FlowDefinition{
		UserID:      userID,
		Name:        r.Name,
		Description: r.Description,
		Nodes:       r.Nodes,
		Edges:       r.Edges,
		Settings:    r.Settings,
	}
}

// RunFlowRequest starts an instance of a published flow.
type RunFlowRequest struct {
	ContactID string         `json:"contactId"`
	Variables map[string]any `json:"variables"`
}

// CampaignRequest is the body of campaign create and update requests.
type CampaignRequest struct {
	Name        string                  `json:"name"        validate:"required"`
	Description string                  `json:"description"`
	Steps       []models.DripStep       `json:"steps"       validate:"dive"`
	Settings    models.CampaignSettings `json:"settings"`
	Schedule    models.CampaignSchedule `json:"schedule"`
}

func (r CampaignRequest) model(userID string) *models.DripCampaign {
	return &models.DripCampaign{
		UserID:      userID,
		Name:        r.Name,
		Description: r.Description,
		Steps:       r.Steps,
		Settings:    r.Settings,
		Schedule:    r.Schedule,
	}
}

type EnrollRequest struct {
	ContactID string `json:"contactId" validate:"required"`
}

// ReplyRequest reports an inbound reply of a contact.
type ReplyRequest struct {
	ContactID string `json:"contactId" validate:"required"`
	Text      string `json:"text"`
}

type ConversionRequest struct {
	ContactID  string `json:"contactId"            validate:"required"`
	CampaignID string `json:"campaignId,omitempty"`
}

// DeliveryRequest is a delivery receipt of a drip message.
type DeliveryRequest struct {
	MessageID string            `json:"messageId" validate:"required"`
	Status    models.StepStatus `json:"status"    validate:"required,oneof=delivered read"`
}
