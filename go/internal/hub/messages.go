package hub

import (
	"encoding/json"
	"time"
)

const (
	FrameConnected    = "connected"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameNotification = "notification"
)

// Frame is every message exchanged on the realtime socket.
type Frame struct {
	Type    string            `json:"type"`
	Message string            `json:"message,omitempty"`
	Data    *NotificationData `json:"data,omitempty"`
}

type NotificationData struct {
	EventType string `json:"event_type"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

var (
	connectedFrame = mustMarshal(Frame{Type: FrameConnected, Message: "Connected to notifications"})
	pongFrame      = mustMarshal(Frame{Type: FramePong})
)

// Notify broadcasts a notification frame to every live connection.
func (h *Hub) Notify(eventType, subject, message string, at time.Time) BroadcastResult {
	return h.Broadcast(mustMarshal(Frame{
		Type: FrameNotification,
		Data: &NotificationData{
			EventType: eventType,
			Subject:   subject,
			Message:   message,
			Timestamp: at.UTC().Format(time.RFC3339Nano),
		},
	}))
}

// Frame holds only strings, so marshalling cannot fail.
func mustMarshal(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return b
}
