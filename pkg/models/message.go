package models

import (
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageCode  MessageType = "code"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether the message type is one of the defined kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageCode, MessageImage, MessageFile:
		return true
	}
	return false
}

// Message is a single entry in a session's conversation history.
// Messages are append-only: once written they are never mutated or deleted.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	SenderID  string         `json:"sender_id"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
