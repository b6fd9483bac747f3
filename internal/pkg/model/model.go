package model

import "encoding/json"

// MessageType is the "type" discriminator on every hub websocket frame.
type MessageType string

const (
	AuthRequired    MessageType = "auth_required"
	Auth            MessageType = "auth"
	AuthOK          MessageType = "auth_ok"
	AuthInvalid     MessageType = "auth_invalid"
	Event           MessageType = "event"
	Result          MessageType = "result"
	SubscribeEvents MessageType = "subscribe_events"
	Ping            MessageType = "ping"
	Pong            MessageType = "pong"
)

func (m MessageType) String() string {
	return string(m)
}

const EventStateChanged = "state_changed"

// Use this to know which handler to dispatch to.
type GenericMessage struct {
	ID      int         `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Message string      `json:"message,omitempty"`
}

type AuthRequest struct {
	Type        MessageType `json:"type"`
	AccessToken string      `json:"access_token"`
}

// Command is any frame sent to the hub that expects a correlated result.
type Command struct {
	ID   int            `json:"id"`
	Type MessageType    `json:"type"`
	Data map[string]any `json:"-"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Data)+2)
	for k, v := range c.Data {
		out[k] = v
	}
	out["id"] = c.ID
	out["type"] = c.Type
	return json.Marshal(out)
}

type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ResultMessage struct {
	ID      int             `json:"id"`
	Type    MessageType     `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
}

type EventMessage struct {
	ID    int         `json:"id"`
	Type  MessageType `json:"type"`
	Event HubEvent    `json:"event"`
}

type HubEvent struct {
	EventType string         `json:"event_type"`
	Data      StateEventData `json:"data"`
	TimeFired string         `json:"time_fired"`
}

type StateEventData struct {
	EntityID string  `json:"entity_id"`
	NewState *Entity `json:"new_state"`
	OldState *Entity `json:"old_state"`
}
