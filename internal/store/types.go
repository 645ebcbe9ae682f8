package store

import (
	"strings"
	"time"
)

// DeliveryState is the lifecycle of a message as seen by this client.
// It only moves forward, except FAILED → PENDING on a manual retry.
type DeliveryState string

const (
	StatePending   DeliveryState = "PENDING"
	StateSent      DeliveryState = "SENT"
	StateDelivered DeliveryState = "DELIVERED"
	StateRead      DeliveryState = "READ"
	StateFailed    DeliveryState = "FAILED"
)

// Confirmed reports whether the state implies the server holds the message.
func (s DeliveryState) Confirmed() bool {
	return s == StateSent || s == StateDelivered || s == StateRead
}

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
	TypeVideo MessageType = "VIDEO"
	TypeFile  MessageType = "FILE"
)

// ParseMessageType maps a wire value in either case to a MessageType,
// defaulting to TEXT.
func ParseMessageType(s string) MessageType {
	switch t := MessageType(strings.ToUpper(s)); t {
	case TypeImage, TypeVideo, TypeFile:
		return t
	default:
		return TypeText
	}
}

// Message is a cached chat message. ServerID is nil until the server has
// accepted the message; TempID is set for messages composed on this device.
type Message struct {
	ID             int64
	ServerID       *int64
	TempID         string
	ConversationID int64
	SenderID       int64
	Content        string
	Type           MessageType
	MediaURL       string
	ReplyToID      *int64
	CreatedAt      time.Time
	State          DeliveryState
	// ReceiptPending marks inbound messages we have not acknowledged as read.
	ReceiptPending bool
	ReadBy         []int64
}

// PendingEntry is an outbound message the server has not confirmed yet.
type PendingEntry struct {
	TempID         string
	ConversationID int64
	Payload        string
	RetryCount     int
	CreatedAt      time.Time
}

// Conversation is a cached conversation summary for list display.
type Conversation struct {
	ID            int64
	Type          string // DIRECT or GROUP
	Title         string
	LastMessage   string
	LastMessageAt time.Time
	UnreadCount   int
	CachedAt      time.Time
}

// Draft is unsent composer text for a conversation.
type Draft struct {
	ConversationID int64
	Content        string
	UpdatedAt      time.Time
}
