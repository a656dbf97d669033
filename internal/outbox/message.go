// Package outbox stages domain events in the posting transaction so they
// publish if and only if the transaction commits.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status tracks a staged message. Published messages are deleted, so only
// pending and dead messages persist.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

// Message is one staged event row.
type Message struct {
	ID            int64
	EventType     string
	DocumentID    uuid.UUID
	Payload       []byte
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
}

// NewMessage marshals a payload into a pending message.
func NewMessage(eventType string, documentID uuid.UUID, payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		EventType:  eventType,
		DocumentID: documentID,
		Payload:    body,
		Status:     StatusPending,
	}, nil
}
