package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/nurture/pkg/actions/webhook"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAction_Execute(t *testing.T) {
	t.Parallel()

	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/hooks/c1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &received)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	action := webhook.New(server.Client())

	out, err := action.Execute(context.Background(), map[string]any{
		"url":     server.URL + "/hooks/{{contactId}}",
		"headers": map[string]any{"X-Token": "secret"},
		"body":    map[string]any{"name": "{{name}}"},
	}, protocol.ActionRequest{
		UserID:    "u1",
		ContactID: "c1",
		Record:    map[string]any{"contactId": "c1", "name": "Ana"},
	}, slog.Default())

	require.NoError(t, err)
	assert.Equal(t, 200, out["statusCode"])
	assert.Equal(t, map[string]any{"ok": true}, out["body"])
	assert.Equal(t, map[string]any{"name": "Ana"}, received)
}

func TestAction_DefaultBody(t *testing.T) {
	t.Parallel()

	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &received)
		_, _ = w.Write([]byte("accepted"))
	}))
	defer server.Close()

	out, err := webhook.New(server.Client()).Execute(context.Background(), map[string]any{"url": server.URL},
		protocol.ActionRequest{TriggerID: "t1", ExecutionID: "e1", ContactID: "c1", Record: map[string]any{"a": "b"}},
		slog.Default())

	require.NoError(t, err)
	assert.Equal(t, "accepted", out["body"])
	assert.Equal(t, "t1", received["triggerId"])
	assert.Equal(t, map[string]any{"a": "b"}, received["event"])
}

func TestCall_ErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	out, err := webhook.Call(context.Background(), server.Client(),
		models.WebhookConfig{URL: server.URL, Method: "get"}, nil, slog.Default())

	require.ErrorIs(t, err, webhook.ErrStatus)
	assert.Equal(t, http.StatusBadGateway, out["statusCode"])
}

func TestCall_EmptyURL(t *testing.T) {
	t.Parallel()

	_, err := webhook.Call(context.Background(), http.DefaultClient,
		models.WebhookConfig{URL: "{{missing}}"}, map[string]any{}, slog.Default())

	require.ErrorIs(t, err, webhook.ErrURLInvalid)
}
