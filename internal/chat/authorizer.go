package chat

import (
	"fmt"
	"time"
)

// EditWindow is how long after creation the sender may still edit a message.
const EditWindow = 15 * time.Minute

// Authorizer decides who may mutate a message. Checks always run against the
// stored message, never against client-supplied data. The clock is injected
// so the edit window is testable.
type Authorizer struct {
	now func() time.Time
}

func NewAuthorizer(now func() time.Time) *Authorizer {
	if now == nil {
		now = time.Now
	}
	return &Authorizer{now: now}
}

// CanEdit allows only the original sender, and only within EditWindow of the
// message's creation. Both refusals are authorization failures.
func (a *Authorizer) CanEdit(msg *Message, editorID string) error {
	if msg.SenderID != editorID {
		return fmt.Errorf("%w: only the sender may edit a message", ErrForbidden)
	}
	if a.now().Sub(msg.CreatedAt) > EditWindow {
		return fmt.Errorf("%w: edit window expired", ErrForbidden)
	}
	return nil
}

// CanDelete allows only the original sender. Deletion has no time window.
func (a *Authorizer) CanDelete(msg *Message, requesterID string) error {
	if msg.SenderID != requesterID {
		return fmt.Errorf("%w: only the sender may delete a message", ErrForbidden)
	}
	return nil
}
