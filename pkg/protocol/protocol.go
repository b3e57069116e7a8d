// Package protocol defines the wire shapes shared by the dashboard API and
// its clients (the web dashboard and the tail command).
package protocol

import "time"

// MessageEvent is one logged conversation message, as relayed on the
// /ws/messages stream and embedded in message list responses.
type MessageEvent struct {
	ID          int64     `json:"id"`
	SessionName string    `json:"session_name"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Roles a logged message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CloseUnauthorized is the WebSocket close code sent when the stream token
// is missing, unknown, or disabled.
const CloseUnauthorized = 4001
