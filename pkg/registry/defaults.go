package registry

import (
	"github.com/dukex/nurture/pkg/actions/drip"
	"github.com/dukex/nurture/pkg/actions/flow"
	log_action "github.com/dukex/nurture/pkg/actions/log"
	"github.com/dukex/nurture/pkg/actions/message"
	"github.com/dukex/nurture/pkg/actions/tag"
	"github.com/dukex/nurture/pkg/actions/webhook"
	"github.com/dukex/nurture/pkg/protocol"
)

// Dependencies are the collaborators of the built-in actions.
type Dependencies struct {
	Contacts   protocol.ContactStore
	Tagger     protocol.ContactTagger
	Sender     protocol.MessageSender
	Flows      protocol.FlowStarter
	Drip       protocol.DripEnroller
	HTTPClient protocol.HTTPDoer
}

// RegisterDefaults registers every built-in action.
func (r *Registry) RegisterDefaults(deps Dependencies) {
	r.Register(tag.NewAddTag(deps.Tagger))
	r.Register(tag.NewRemoveTag(deps.Tagger))
	r.Register(message.NewSendMessage(deps.Contacts, deps.Sender))
	r.Register(message.NewSendTemplate(deps.Contacts, deps.Sender))
	r.Register(flow.NewStartFlow(deps.Flows))
	r.Register(drip.NewEnroll(deps.Drip))
	r.Register(drip.NewUnenroll(deps.Drip))
	r.Register(webhook.New(deps.HTTPClient))
	r.Register(log_action.NewLogAction())
}
