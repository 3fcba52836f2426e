// Package tag provides the add_tag and remove_tag actions.
package tag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/actions"
	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
	"github.com/dukex/nurture/pkg/schema"
)

// Action adds or removes contact tags.
type Action struct {
	actionType models.ActionType
	tagger     protocol.ContactTagger
}

func NewAddTag(tagger protocol.ContactTagger) *Action {
	return &Action{actionType: models.ActionAddTag, tagger: tagger}
}

func NewRemoveTag(tagger protocol.ContactTagger) *Action {
	return &Action{actionType: models.ActionRemoveTag, tagger: tagger}
}

func (a *Action) Type() models.ActionType {
	return a.actionType
}

func (a *Action) Schema() map[string]any {
	return Schema()
}

// Schema accepts a single "tag" or a "tags" list.
func Schema() map[string]any {
	return schema.Schema{
		"type": "object",
		"properties": map[string]any{
			"tag":  schema.String("Tag to apply"),
			"tags": schema.Schema{"type": "array", "items": schema.String("Tag"), "minItems": 1},
		},
		"anyOf": []any{
			schema.Schema{"required": []string{"tag"}},
			schema.Schema{"required": []string{"tags"}},
		},
	}
}

func (a *Action) Execute(ctx context.Context, config map[string]any, req protocol.ActionRequest, logger *slog.Logger) (map[string]any, error) {
	cfg, err := actions.Decode[models.TagConfig](config)
	if err != nil {
		return nil, err
	}

	if req.ContactID == "" {
		return nil, actions.ErrNoContact
	}

	tags := cfg.All()

	if a.actionType == models.ActionRemoveTag {
		err = a.tagger.RemoveTags(ctx, req.UserID, req.ContactID, tags...)
	} else {
		err = a.tagger.AddTags(ctx, req.UserID, req.ContactID, tags...)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to update tags of contact %s: %w", req.ContactID, err)
	}

	logger.DebugContext(ctx, "contact tags updated", "contact_id", req.ContactID, "tags", tags)

	return map[string]any{"tags": tags}, nil
}
