package model

// Notification is an outbound message produced by a committed action.
type Notification struct {
	Channel       string         `json:"channel"`
	Recipient     string         `json:"recipient"`
	Subject       string         `json:"subject,omitempty"`
	Message       string         `json:"message"`
	EntityCode    string         `json:"entity_code"`
	EntityID      int64          `json:"entity_id"`
	ActionCode    string         `json:"action_code"`
	Actor         string         `json:"actor"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}
