// ABOUTME: Wire shape of events pushed to live conversation listeners
// ABOUTME: Message and state payloads serialized as JSON over websocket and relay

package fanout

import "time"

// EventType names what changed in a room.
type EventType string

const (
	EventMessage EventType = "message"
	EventState   EventType = "state"
)

// Event is one item delivered to a room. ID doubles as the dedupe key; for
// message events it is the message id.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Message        *MessagePayload `json:"message,omitempty"`
	State          *StatePayload   `json:"state,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessagePayload mirrors a persisted message.
type MessagePayload struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body,omitempty"`
	MediaRef  string    `json:"media_ref,omitempty"`
	LatencyMS *int64    `json:"latency_ms,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StatePayload reports a conversation lifecycle change.
type StatePayload struct {
	State    string `json:"state"`
	LiveMode bool   `json:"live_mode"`
}
