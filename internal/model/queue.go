package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MinQueuePriority     = 0
	MaxQueuePriority     = 10
	DefaultPayloadSchema = "application/json"
)

type Status string

// EXPIRED is never written: expired rows are deleted outright by the
// collector. It is kept so rows written by other tools still decode.
const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

var statusTransitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed},
}

func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrorInvalidStatus, s)
	}
	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which next may be reached.
func TransitionSources(next Status) []Status {
	var sources []Status
	for from, targets := range statusTransitions {
		for _, to := range targets {
			if to == next {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// QueuedMessage is the unit persisted in the relay queue. Payload is opaque to
// the queue; Schema names its format so consumers can decode it.
type QueuedMessage struct {
	ID        uuid.UUID       `json:"id"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	Schema    string          `json:"schema"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"status"`
}

func NewQueuedMessage(payload json.RawMessage, priority int) *QueuedMessage {
	return &QueuedMessage{
		ID:        uuid.New(),
		Priority:  priority,
		Payload:   payload,
		Schema:    DefaultPayloadSchema,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

// Validate fills defaults for an unset schema, status and creation time and
// checks the remaining fields.
func (m *QueuedMessage) Validate() error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Schema == "" {
		m.Schema = DefaultPayloadSchema
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if m.Priority < MinQueuePriority || m.Priority > MaxQueuePriority {
		return fmt.Errorf("%w: %d not in %d..%d", ErrorInvalidPriority, m.Priority, MinQueuePriority, MaxQueuePriority)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrorInvalidStatus, m.Status)
	}
	if len(m.Payload) == 0 || !json.Valid(m.Payload) {
		return ErrorInvalidPayload
	}
	return nil
}
