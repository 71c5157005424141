package model

import "time"

type MessageType string

const (
	TypeMessage     MessageType = "message"
	TypeTyping      MessageType = "typing"
	TypePresence    MessageType = "presence"
	TypeReadReceipt MessageType = "read_receipt"
)

// Message is immutable once persisted. ID is assigned by the store and is
// gapless and strictly increasing within a conversation, starting at 1.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Payload        string    `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is an ephemeral, never persisted notification pushed to live
// channels only (typing indicators, read receipts, presence).
type Event struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	MessageID      int64       `json:"message_id,omitempty"`
	Content        string      `json:"content,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}
