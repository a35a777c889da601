package models

import "encoding/json"

// Message types on the /ws connection.
const (
	MsgCallEvent    = EventCallEvent
	MsgNotification = EventNotification
	MsgSubscribe    = "subscribe"
	MsgSubscribed   = "subscribed"
	MsgPing         = "ping"
	MsgPong         = "pong"
	MsgError        = "error"
)

// WSMessage is the named envelope exchanged over /ws.
type WSMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// NewWSMessage marshals content into an envelope.
func NewWSMessage(msgType string, content interface{}) (WSMessage, error) {
	if content == nil {
		return WSMessage{Type: msgType}, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Type: msgType, Content: raw}, nil
}

// SubscribeRequest is the content of a subscribe message.
type SubscribeRequest struct {
	EventTypes []string `json:"event_types"`
}
