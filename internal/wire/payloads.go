package wire

// Outbound payloads.

type RoomRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

type TypingRequest struct {
	ConversationID int64 `json:"conversation_id"`
	IsTyping       bool  `json:"is_typing"`
}

type ReadReceiptRequest struct {
	MessageID      int64 `json:"message_id"`
	ConversationID int64 `json:"conversation_id"`
}

// SyncPageSize is the most messages the server returns per SYNC_RESPONSE.
const SyncPageSize = 50

// SyncRequest asks for messages after LastMessageID, oldest first, at most
// SyncPageSize of them. A nil id asks for the oldest page of the
// conversation.
type SyncRequest struct {
	ConversationID int64  `json:"conversation_id"`
	LastMessageID  *int64 `json:"last_message_id"`
}

// SendRequest carries a composed message. TempID is echoed back in
// MESSAGE_SENT.
type SendRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	ReplyToID      *int64 `json:"reply_to_id,omitempty"`
	TempID         string `json:"temp_id"`
}

func Ping() Outbound { return Outbound{Type: TypePing} }

func JoinRoom(conversationID int64) Outbound {
	return Outbound{Type: TypeJoinRoom, Data: RoomRequest{ConversationID: conversationID}}
}

func LeaveRoom(conversationID int64) Outbound {
	return Outbound{Type: TypeLeaveRoom, Data: RoomRequest{ConversationID: conversationID}}
}

func Typing(conversationID int64, isTyping bool) Outbound {
	return Outbound{Type: TypeTyping, Data: TypingRequest{ConversationID: conversationID, IsTyping: isTyping}}
}

func ReadReceipt(messageID, conversationID int64) Outbound {
	return Outbound{Type: TypeReadReceipt, Data: ReadReceiptRequest{MessageID: messageID, ConversationID: conversationID}}
}

func RequestSync(conversationID int64, lastMessageID *int64) Outbound {
	return Outbound{Type: TypeRequestSync, Data: SyncRequest{ConversationID: conversationID, LastMessageID: lastMessageID}}
}

func Send(req SendRequest) Outbound {
	return Outbound{Type: TypeMessage, Data: req}
}

// Inbound payloads.

type ConnectionSuccess struct {
	ConnectionID string `json:"connection_id"`
	UserID       int64  `json:"user_id,omitempty"`
}

// MessagePayload is a server-side message as carried by NEW_MESSAGE and
// SYNC_RESPONSE. The server names the kind either "type" or "message_type".
type MessagePayload struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username,omitempty"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	MediaURL       string `json:"media_url,omitempty"`
	ReplyToID      *int64 `json:"reply_to_id,omitempty"`
	CreatedAt      string `json:"created_at"`
	TempID         string `json:"temp_id,omitempty"`
}

// Kind returns the message kind, defaulting to TEXT.
func (m MessagePayload) Kind() string {
	switch {
	case m.MessageType != "":
		return m.MessageType
	case m.Type != "":
		return m.Type
	default:
		return "TEXT"
	}
}

// StatusDelivered is the MESSAGE_SENT status for a message the server has
// handed to its recipients.
const StatusDelivered = "delivered"

type MessageSent struct {
	TempID    string `json:"temp_id"`
	MessageID int64  `json:"message_id"`
	Status    string `json:"status,omitempty"`
}

type TypingEvent struct {
	UserID         int64 `json:"user_id"`
	ConversationID int64 `json:"conversation_id"`
	IsTyping       bool  `json:"is_typing"`
}

type ReadReceiptEvent struct {
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	UserID         int64  `json:"user_id"`
	ReadAt         string `json:"read_at"`
}

type PresenceEvent struct {
	UserID   int64  `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	LastSeen string `json:"last_seen,omitempty"`
}

type RoomAck struct {
	RoomID int64  `json:"room_id"`
	Status string `json:"status,omitempty"`
}

type SyncResponse struct {
	ConversationID int64            `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
}

type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
