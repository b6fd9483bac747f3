package model

// MirrorState is the retained payload published for each entity.
type MirrorState struct {
	EntityID     string         `json:"entity_id"`
	FriendlyName string         `json:"friendly_name"`
	State        string         `json:"state"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Timestamp    string         `json:"timestamp"`
}
