package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/actions/message"
	"github.com/dukex/nurture/pkg/actions/tag"
	"github.com/dukex/nurture/pkg/actions/webhook"
	"github.com/dukex/nurture/pkg/conditions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
	"github.com/dukex/nurture/pkg/template"
)

const defaultReplyVariable = "last_reply"

// ErrNoContact is returned by contact-bound nodes of instances without a contact.
var ErrNoContact = errors.New("instance has no contact")

// NodeContext is what a node handler sees of the walk.
type NodeContext struct {
	Instance *models.FlowInstance
	Node     *models.FlowNode
	Contact  *models.Contact
	Now      time.Time
	Logger   *slog.Logger
}

// Scope is the record conditions and placeholders resolve against: the variables at the top
// level and under "variables", and the contact under "contact".
func (nc *NodeContext) Scope() map[string]any {
	return scope(nc.Instance, nc.Contact)
}

func scope(instance *models.FlowInstance, contact *models.Contact) map[string]any {
	record := make(map[string]any, len(instance.Variables)+2)
	maps.Copy(record, instance.Variables)

	record["variables"] = instance.Variables
	if contact != nil {
		record["contact"] = contact.Record()
	}

	return record
}

// Outcome is the result of one node execution.
type Outcome struct {
	Result map[string]any
	// Handle selects the outgoing edge by sourceHandle.
	Handle string
	// Suspend stops the walk until the timer or a reply resumes it.
	Suspend *Suspension
}

type Suspension struct {
	For   string
	Until *time.Time
}

// NodeHandler executes one node type.
type NodeHandler interface {
	Type() models.NodeType
	Schema() map[string]any
	Execute(ctx context.Context, nc *NodeContext) (Outcome, error)
}

// Dependencies are the collaborators of the built-in node handlers.
type Dependencies struct {
	Contacts   protocol.ContactStore
	Tagger     protocol.ContactTagger
	Sender     protocol.MessageSender
	HTTPClient protocol.HTTPDoer
}

func defaultHandlers(deps Dependencies, evaluator *conditions.Evaluator) map[models.NodeType]NodeHandler {
	client := deps.HTTPClient
	if client == nil {
		client = webhook.NewClient()
	}

	list := []NodeHandler{
		passNode{models.NodeStart},
		passNode{models.NodeEnd},
		messageNode{sender: deps.Sender},
		templateNode{sender: deps.Sender},
		delayNode{},
		conditionNode{evaluator: evaluator},
		apiCallNode{client: client},
		tagNode{nodeType: models.NodeAddTag, tagger: deps.Tagger},
		tagNode{nodeType: models.NodeRemoveTag, tagger: deps.Tagger},
		setVariableNode{},
		waitForReplyNode{},
	}

	handlers := make(map[models.NodeType]NodeHandler, len(list))
	for _, h := range list {
		handlers[h.Type()] = h
	}

	return handlers
}

func decode[T any](nc *NodeContext) (T, error) {
	cfg, err := models.DecodeConfig[T](nc.Node.Data.Config)
	if err != nil {
		return cfg, fmt.Errorf("node %s: %w", nc.Node.ID, err)
	}

	return cfg, nil
}

type passNode struct {
	nodeType models.NodeType
}

func (n passNode) Type() models.NodeType { return n.nodeType }

func (passNode) Schema() map[string]any { return nil }

func (passNode) Execute(context.Context, *NodeContext) (Outcome, error) {
	return Outcome{}, nil
}

type messageNode struct {
	sender protocol.MessageSender
}

func (messageNode) Type() models.NodeType { return models.NodeMessage }

func (messageNode) Schema() map[string]any {
	return schema.Object(map[string]any{
		"text":     schema.String("Message body, supports {{path}} placeholders"),
		"subject":  schema.OptionalString("Email subject"),
		"mediaUrl": schema.OptionalString("Media attachment URL"),
	}, "text")
}

func (n messageNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.SendMessageConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	return send(ctx, n.sender, nc, message.Content(cfg, nc.Scope()))
}

type templateNode struct {
	sender protocol.MessageSender
}

func (templateNode) Type() models.NodeType { return models.NodeTemplate }

func (templateNode) Schema() map[string]any {
	return schema.Object(map[string]any{
		"templateName": schema.String("Approved template name"),
		"language":     schema.OptionalString("Template language code"),
		"params":       schema.StringMap("Template parameters"),
	}, "templateName")
}

func (n templateNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.SendTemplateConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	return send(ctx, n.sender, nc, message.TemplateContent(cfg, nc.Scope()))
}

func send(ctx context.Context, sender protocol.MessageSender, nc *NodeContext, content models.MessageContent) (Outcome, error) {
	if nc.Contact == nil {
		return Outcome{}, ErrNoContact
	}

	result, err := actions.Send(ctx, sender, nc.Contact, content)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{Result: map[string]any{"messageId": result.MessageID}}, nil
}

type delayNode struct{}

func (delayNode) Type() models.NodeType { return models.NodeDelay }

func (delayNode) Schema() map[string]any {
	return schema.Object(map[string]any{
		"amount": schema.Integer("How long to wait", 0),
		"unit":   schema.Enum("Unit of amount", "seconds", "minutes", "hours", "days"),
	}, "amount")
}

func (delayNode) Execute(_ context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.DelayConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	d := cfg.Duration()
	if d <= 0 {
		return Outcome{}, nil
	}

	until := nc.Now.Add(d)

	return Outcome{
		Result:  map[string]any{"waitingUntil": until.Format(time.RFC3339)},
		Suspend: &Suspension{For: models.WaitingForTimer, Until: &until},
	}, nil
}

type conditionNode struct {
	evaluator *conditions.Evaluator
}

func (conditionNode) Type() models.NodeType { return models.NodeCondition }

func (conditionNode) Schema() map[string]any {
	return schema.Object(map[string]any{
		"conditions": schema.Schema{"type": "object", "description": "Condition group evaluated against variables and contact"},
	}, "conditions")
}

func (n conditionNode) Execute(_ context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.ConditionNodeConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	matched := n.evaluator.Evaluate(&cfg.Conditions, nc.Scope())

	handle := models.HandleFalse
	if matched {
		handle = models.HandleTrue
	}

	return Outcome{Result: map[string]any{"result": matched}, Handle: handle}, nil
}

type apiCallNode struct {
	client protocol.HTTPDoer
}

func (apiCallNode) Type() models.NodeType { return models.NodeAPICall }

func (apiCallNode) Schema() map[string]any {
	return webhook.Schema()
}

func (n apiCallNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.WebhookConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	if cfg.Method == "" {
		cfg.Method = "GET"
	}

	response, err := webhook.Call(ctx, n.client, cfg, nc.Scope(), nc.Logger)
	if err != nil {
		return Outcome{}, err
	}

	if cfg.SaveAs != "" {
		nc.Instance.Variables[cfg.SaveAs] = response["body"]
	}

	return Outcome{Result: response}, nil
}

type tagNode struct {
	nodeType models.NodeType
	tagger   protocol.ContactTagger
}

func (n tagNode) Type() models.NodeType { return n.nodeType }

func (tagNode) Schema() map[string]any {
	return tag.Schema()
}

func (n tagNode) Execute(ctx context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.TagConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	if nc.Instance.ContactID == "" {
		return Outcome{}, ErrNoContact
	}

	tags := cfg.All()

	if n.nodeType == models.NodeRemoveTag {
		err = n.tagger.RemoveTags(ctx, nc.Instance.UserID, nc.Instance.ContactID, tags...)
	} else {
		err = n.tagger.AddTags(ctx, nc.Instance.UserID, nc.Instance.ContactID, tags...)
	}

	if err != nil {
		return Outcome{}, err
	}

	return Outcome{Result: map[string]any{"tags": tags}}, nil
}

type setVariableNode struct{}

func (setVariableNode) Type() models.NodeType { return models.NodeSetVariable }

func (setVariableNode) Schema() map[string]any {
	return schema.Object(map[string]any{
		"name":  schema.String("Variable name"),
		"value": schema.Any("Value, strings support {{path}} placeholders"),
	}, "name")
}

func (setVariableNode) Execute(_ context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.SetVariableConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	value := template.RenderValue(cfg.Value, nc.Scope())
	nc.Instance.Variables[cfg.Name] = value

	return Outcome{Result: map[string]any{cfg.Name: value}}, nil
}

type waitForReplyNode struct{}

func (waitForReplyNode) Type() models.NodeType { return models.NodeWaitForReply }

func (waitForReplyNode) Schema() map[string]any {
	return schema.Object(map[string]any{
		"timeoutMinutes": schema.Integer("Give up waiting after this many minutes, 0 waits forever", 0),
		"saveAs":         schema.OptionalString("Variable receiving the reply text"),
	})
}

func (waitForReplyNode) Execute(_ context.Context, nc *NodeContext) (Outcome, error) {
	cfg, err := decode[models.WaitForReplyConfig](nc)
	if err != nil {
		return Outcome{}, err
	}

	if nc.Instance.ContactID == "" {
		return Outcome{}, ErrNoContact
	}

	suspension := &Suspension{For: models.WaitingForReply}

	if cfg.TimeoutMinutes > 0 {
		until := nc.Now.Add(time.Duration(cfg.TimeoutMinutes) * time.Minute)
		suspension.Until = &until
	}

	return Outcome{Suspend: suspension}, nil
}

func replyVariable(node *models.FlowNode) string {
	cfg, err := models.DecodeConfig[models.WaitForReplyConfig](node.Data.Config)
	if err != nil || cfg.SaveAs == "" {
		return defaultReplyVariable
	}

	return cfg.SaveAs
}
