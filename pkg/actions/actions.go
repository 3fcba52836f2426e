// Package actions holds what the built-in actions share: config decoding, contact lookup and
// message delivery.
package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
)

var (
	// ErrNoContact is returned by contact-bound actions when the event carries no contact.
	ErrNoContact = errors.New("event has no contact")
	// ErrSendFailed is returned when the sender reported an unsuccessful delivery.
	ErrSendFailed = errors.New("message send failed")
	// ErrInvalidConfig wraps config decoding failures.
	ErrInvalidConfig = errors.New("invalid action config")
)

// Decode converts the generic config into T.
func Decode[T any](config map[string]any) (T, error) {
	out, err := models.DecodeConfig[T](config)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return out, nil
}

// Contact loads the contact the request is about.
func Contact(ctx context.Context, store protocol.ContactStore, req protocol.ActionRequest) (*models.Contact, error) {
	if req.ContactID == "" {
		return nil, ErrNoContact
	}

	contact, err := store.Contact(ctx, req.UserID, req.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", req.ContactID, err)
	}

	return contact, nil
}

// TemplateData is the interpolation scope of an action: the event record at the top level and
// under "event", and the contact under "contact".
func TemplateData(record map[string]any, contact *models.Contact) map[string]any {
	data := make(map[string]any, len(record)+2)
	for k, v := range record {
		data[k] = v
	}

	data["event"] = record
	if contact != nil {
		data["contact"] = contact.Record()
	}

	return data
}

// Send delivers content and folds an unsuccessful result into an error.
func Send(ctx context.Context, sender protocol.MessageSender, contact *models.Contact, content models.MessageContent) (models.SendResult, error) {
	result, err := sender.Send(ctx, contact, content)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	if !result.Success {
		return result, fmt.Errorf("%w: %s", ErrSendFailed, result.Error)
	}

	return result, nil
}
