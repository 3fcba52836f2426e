package registry_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/contacts"
	"github.com/dukex/nurture/pkg/messaging/messagingtest"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlows struct {
	started []protocol.StartFlowRequest
}

func (f *fakeFlows) Start(_ context.Context, req protocol.StartFlowRequest) (*models.FlowInstance, error) {
	f.started = append(f.started, req)

	return &models.FlowInstance{ID: "inst-1", FlowID: req.FlowID}, nil
}

type fakeDrip struct {
	calls []string
}

func (f *fakeDrip) Enroll(_ context.Context, campaignID, contactID string) (*models.DripRun, error) {
	f.calls = append(f.calls, "enroll:"+campaignID+":"+contactID)

	return &models.DripRun{ID: "run-1", Status: models.RunActive}, nil
}

func (f *fakeDrip) Unenroll(_ context.Context, campaignID, contactID string) (*models.DripRun, error) {
	f.calls = append(f.calls, "unenroll:"+campaignID+":"+contactID)

	return &models.DripRun{ID: "run-1", Status: models.RunExited}, nil
}

type fixture struct {
	registry *registry.Registry
	contacts *contacts.Store
	sender   *messagingtest.Recorder
	flows    *fakeFlows
	drip     *fakeDrip
}

func newFixture() *fixture {
	f := &fixture{
		contacts: contacts.NewStore(nil),
		sender:   messagingtest.NewRecorder(),
		flows:    &fakeFlows{},
		drip:     &fakeDrip{},
	}

	f.contacts.Put(&models.Contact{ID: "c1", UserID: "u1", Name: "Ana"})

	f.registry = registry.NewRegistry(slog.Default())
	f.registry.RegisterDefaults(registry.Dependencies{
		Contacts: f.contacts,
		Tagger:   f.contacts,
		Sender:   f.sender,
		Flows:    f.flows,
		Drip:     f.drip,
	})

	return f
}

func request() protocol.ActionRequest {
	return protocol.ActionRequest{
		UserID:    "u1",
		ContactID: "c1",
		TriggerID: "t1",
		Record:    map[string]any{"contactId": "c1", "product": "course"},
	}
}

func TestRegistry_Types(t *testing.T) {
	types := newFixture().registry.Types()

	assert.Len(t, types, 9)
	assert.Contains(t, types, models.ActionEnrollDrip)
	assert.Contains(t, types, models.ActionWebhook)
}

func TestRegistry_ActionProblems(t *testing.T) {
	r := newFixture().registry

	tests := []struct {
		name     string
		action   models.Action
		invalid bool
	}{
		{"valid tag", models.Action{ID: "a", Type: models.ActionAddTag, Config: map[string]any{"tag": "lead"}}, false},
		{"valid tag list", models.Action{ID: "a", Type: models.ActionRemoveTag, Config: map[string]any{"tags": []any{"lead"}}}, false},
		{"tag without tag", models.Action{ID: "a", Type: models.ActionAddTag, Config: map[string]any{}}, true},
		{"unknown type", models.Action{ID: "a", Type: "explode"}, true},
		{"message without text", models.Action{ID: "a", Type: models.ActionSendMessage}, true},
		{"enroll without campaign", models.Action{ID: "a", Type: models.ActionEnrollDrip, Config: map[string]any{}}, true},
		{"webhook bad method", models.Action{ID: "a", Type: models.ActionWebhook, Config: map[string]any{"url": "http://x", "method": "TRACE"}}, true},
		{"log", models.Action{ID: "a", Type: models.ActionLog, Config: map[string]any{"message": "hi"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.invalid, len(r.ActionProblems(tt.action)) > 0)
		})
	}
}

func TestRegistry_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("add tag", func(t *testing.T) {
		f := newFixture()

		out, err := f.registry.Execute(ctx, models.ActionAddTag, map[string]any{"tag": "lead"}, request())
		require.NoError(t, err)
		assert.Equal(t, []string{"lead"}, out["tags"])

		c, err := f.contacts.Contact(ctx, "u1", "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"lead"}, c.Tags)
	})

	t.Run("send message interpolates", func(t *testing.T) {
		f := newFixture()

		out, err := f.registry.Execute(ctx, models.ActionSendMessage,
			map[string]any{"text": "Hi {{contact.name}}, about {{event.product}}"}, request())
		require.NoError(t, err)
		assert.Equal(t, "msg-1", out["messageId"])

		sent := f.sender.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "Hi Ana, about course", sent[0].Content.Text)
		assert.Equal(t, models.MessageTypeText, sent[0].Content.Type)
	})

	t.Run("failed send is an error", func(t *testing.T) {
		f := newFixture()
		f.sender.Fail("c1", "blocked")

		_, err := f.registry.Execute(ctx, models.ActionSendTemplate, map[string]any{"templateName": "welcome"}, request())
		require.ErrorIs(t, err, actions.ErrSendFailed)
	})

	t.Run("missing contact", func(t *testing.T) {
		f := newFixture()
		req := request()
		req.ContactID = ""

		_, err := f.registry.Execute(ctx, models.ActionSendMessage, map[string]any{"text": "x"}, req)
		require.ErrorIs(t, err, actions.ErrNoContact)
	})

	t.Run("start flow", func(t *testing.T) {
		f := newFixture()

		out, err := f.registry.Execute(ctx, models.ActionStartFlow,
			map[string]any{"flowId": "f1", "variables": map[string]any{"product": "{{product}}"}}, request())
		require.NoError(t, err)
		assert.Equal(t, "inst-1", out["instanceId"])
		require.Len(t, f.flows.started, 1)
		assert.Equal(t, map[string]any{"product": "course"}, f.flows.started[0].Variables)
	})

	t.Run("enroll and unenroll", func(t *testing.T) {
		f := newFixture()

		_, err := f.registry.Execute(ctx, models.ActionEnrollDrip, map[string]any{"campaignId": "camp"}, request())
		require.NoError(t, err)
		_, err = f.registry.Execute(ctx, models.ActionUnenrollDrip, map[string]any{"campaignId": "camp"}, request())
		require.NoError(t, err)

		assert.Equal(t, []string{"enroll:camp:c1", "unenroll:camp:c1"}, f.drip.calls)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := newFixture().registry.Execute(ctx, models.ActionEnrollDrip, map[string]any{}, request())
		require.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := newFixture().registry.Execute(ctx, "explode", nil, request())
		require.ErrorIs(t, err, registry.ErrActionNotRegistered)
	})
}
