package event

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CustomEvent is an analytics event reported by the host application.
type CustomEvent struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Value      *float64       `json:"value,omitempty"` // counted toward custom_event_value goals
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	ReceivedAt time.Time      `json:"-"`
	Source     string         `json:"source,omitempty"` // "http", "kafka"
}

// Normalize fills server-side fields and rejects unusable events.
func (e *CustomEvent) Normalize(now time.Time) error {
	if e.Name == "" {
		return errors.New("event name is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.ReceivedAt = now
	return nil
}

// Increment is the amount the event contributes to a value goal.
func (e *CustomEvent) Increment() float64 {
	if e.Value == nil {
		return 1
	}
	return *e.Value
}

// Document is the JSON shape trigger predicates are evaluated against.
func (e *CustomEvent) Document() map[string]any {
	doc := map[string]any{
		"event_name": e.Name,
		"name":       e.Name,
	}
	if e.Value != nil {
		doc["event_value"] = *e.Value
	}
	if e.Properties != nil {
		doc["properties"] = e.Properties
	}
	return doc
}
