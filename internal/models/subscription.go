package models

// Event types a dashboard connection can subscribe to.
const (
	EventCallEvent    = "call_event"
	EventNotification = "notification"
)

// Subscription is a live dashboard connection's interest registration,
// scoped to one tenant account.
type Subscription struct {
	ConnectionID string   `json:"connection_id"`
	AccountID    string   `json:"account_id"`
	EventTypes   []string `json:"event_types"`
}

// Wants reports whether the subscription accepts eventType. An empty
// EventTypes list accepts everything.
func (s Subscription) Wants(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}
