package v1

import "time"

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	StatusWaiting ConversationStatus = "waiting"
	StatusActive  ConversationStatus = "active"
	StatusClosed  ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// SenderType identifies who wrote a message.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
)

// Valid reports whether t is a known sender type.
func (t SenderType) Valid() bool {
	return t == SenderVisitor || t == SenderAgent
}

// MessageType is the kind of message body. Only text exists today.
type MessageType string

const MessageText MessageType = "text"

// Conversation mirrors a conversations row.
type Conversation struct {
	ID           string             `json:"id"`
	CompanyID    string             `json:"company_id"`
	VisitorID    string             `json:"visitor_id,omitempty"`
	VisitorName  string             `json:"visitor_name"`
	VisitorEmail string             `json:"visitor_email,omitempty"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Message mirrors a messages row.
//
// Seq is allocated per conversation by the store and defines the canonical order.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Seq            int64       `json:"seq"`
	SenderType     SenderType  `json:"sender_type"`
	SenderID       string      `json:"sender_id,omitempty"`
	SenderName     string      `json:"sender_name"`
	Message        string      `json:"message"`
	MessageType    MessageType `json:"message_type"`
	ClientMsgID    string      `json:"client_msg_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessage is an insert request for a message row.
type NewMessage struct {
	ConversationID string      `json:"conversation_id"`
	SenderType     SenderType  `json:"sender_type"`
	SenderID       string      `json:"sender_id,omitempty"`
	SenderName     string      `json:"sender_name"`
	Message        string      `json:"message"`
	MessageType    MessageType `json:"message_type,omitempty"`
	ClientMsgID    string      `json:"client_msg_id,omitempty"`
}

// MaxMessageChars bounds message bodies (runes).
const MaxMessageChars = 4000
