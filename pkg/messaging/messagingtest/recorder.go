// Package messagingtest provides a recording sender for engine tests.
package messagingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/nurture/pkg/models"
)

// Sent is one recorded delivery attempt.
type Sent struct {
	ContactID string
	Content   models.MessageContent
	Result    models.SendResult
}

// Recorder records messages. Contacts marked with Fail get unsuccessful results.
type Recorder struct {
	mu      sync.Mutex
	sent    []Sent
	failing map[string]string
	seq     int
	onSend  func(ctx context.Context, sent Sent)
}

func NewRecorder() *Recorder {
	return &Recorder{failing: map[string]string{}}
}

// Fail makes sends to contactID fail with reason until Recover is called.
func (r *Recorder) Fail(contactID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failing[contactID] = reason
}

func (r *Recorder) Recover(contactID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.failing, contactID)
}

// OnSend runs hook after each recorded attempt, before Send returns. Tests use it to act while
// a message is in flight.
func (r *Recorder) OnSend(hook func(ctx context.Context, sent Sent)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onSend = hook
}

func (r *Recorder) Send(ctx context.Context, contact *models.Contact, content models.MessageContent) (models.SendResult, error) {
	sent, hook := r.record(contact, content)

	if hook != nil {
		hook(ctx, sent)
	}

	return sent.Result, nil
}

func (r *Recorder) record(contact *models.Contact, content models.MessageContent) (Sent, func(context.Context, Sent)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := models.SendResult{Success: true}

	if reason, ok := r.failing[contact.ID]; ok {
		result = models.SendResult{Success: false, Error: reason}
	} else {
		r.seq++
		result.MessageID = fmt.Sprintf("msg-%d", r.seq)
	}

	sent := Sent{ContactID: contact.ID, Content: content, Result: result}
	r.sent = append(r.sent, sent)

	return sent, r.onSend
}

// Sent returns the recorded attempts in order.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Sent, len(r.sent))
	copy(out, r.sent)

	return out
}

// Delivered returns only the successful attempts.
func (r *Recorder) Delivered() []Sent {
	var out []Sent

	for _, s := range r.Sent() {
		if s.Result.Success {
			out = append(out, s)
		}
	}

	return out
}
