package model

import (
	"strings"
	"time"
)

// TimestampLayout is ISO8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type Entity struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	Domain      string         `json:"domain"`
	LastChanged string         `json:"last_changed,omitempty"`
	LastUpdated string         `json:"last_updated,omitempty"`
}

// DomainOf returns the part of an entity id before the first dot.
func DomainOf(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// ObjectIDOf returns the part of an entity id after the first dot.
func ObjectIDOf(entityID string) string {
	_, object, _ := strings.Cut(entityID, ".")
	return object
}

// Normalize recomputes the domain from the id and guarantees a non nil
// attribute map. The domain carried on the input is never trusted.
func (e Entity) Normalize() Entity {
	e.Domain = DomainOf(e.EntityID)
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
	return e
}

func (e Entity) FriendlyName() string {
	if name, ok := e.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return e.EntityID
}

func NormalizeAll(entities []Entity) []Entity {
	out := make([]Entity, len(entities))
	for i, e := range entities {
		out[i] = e.Normalize()
	}
	return out
}

type StateChangedEvent struct {
	EntityID  string
	NewState  *Entity
	OldState  *Entity
	TimeFired time.Time
}

// StreamMessage is the JSON body of every SSE data frame.
type StreamMessage struct {
	Type      string  `json:"type"`
	EntityID  string  `json:"entity_id,omitempty"`
	NewState  *Entity `json:"new_state,omitempty"`
	OldState  *Entity `json:"old_state,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// StateChangedFrame is the body of a state_changed frame. Both snapshots are
// always present and null when the entity was created or removed.
type StateChangedFrame struct {
	Type      string  `json:"type"`
	EntityID  string  `json:"entity_id"`
	NewState  *Entity `json:"new_state"`
	OldState  *Entity `json:"old_state"`
	Timestamp string  `json:"timestamp"`
}

const (
	StreamConnected    = "connected"
	StreamStateChanged = "state_changed"
)

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ServiceCall is the body accepted by the call_service endpoint.
type ServiceCall struct {
	Domain   string         `json:"domain"`
	Service  string         `json:"service"`
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}
