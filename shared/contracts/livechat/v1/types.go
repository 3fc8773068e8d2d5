// Package v1 defines the Leazr live chat protocol v1 contract.
//
// It is shared between the socket endpoint, the hosted-store API and the client
// transport so the wire shapes stay authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is the WebSocket subprotocol negotiated by the socket endpoint.
const Subprotocol = "livechat.v1"

// Envelope types (wire-stable).
const (
	// TypeJoin joins a conversation room (client -> server).
	TypeJoin = "join"
	// TypeJoined acknowledges a join (server -> client).
	TypeJoined = "joined"

	// TypeMessage sends a message (client -> server) and carries a persisted message (server -> client).
	TypeMessage = "message"

	// TypeTyping is a best-effort typing indicator in both directions.
	TypeTyping = "typing"

	// TypeError reports a failure to the client (server -> client).
	TypeError = "error"
)

// Envelope is the flat JSON frame exchanged over the socket.
//
// Only the fields relevant to Type are set; Validate enforces the per-type shape.
type Envelope struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`

	// join
	CompanyID    string `json:"companyId,omitempty"`
	VisitorID    string `json:"visitorId,omitempty"`
	VisitorName  string `json:"visitorName,omitempty"`
	VisitorEmail string `json:"visitorEmail,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	Token        string `json:"token,omitempty"`

	// message / typing
	Message     string     `json:"message,omitempty"`
	MessageID   string     `json:"messageId,omitempty"`
	ClientMsgID string     `json:"clientMsgId,omitempty"`
	Seq         int64      `json:"seq,omitempty"`
	SenderName  string     `json:"senderName,omitempty"`
	SenderType  SenderType `json:"senderType,omitempty"`
	Timestamp   time.Time  `json:"timestamp,omitzero"`
}

// Validate performs strict structural validation of an inbound envelope.
func (e Envelope) Validate() error {
	switch e.Type {
	case "":
		return errors.New("missing field: type")

	case TypeJoin:
		if strings.TrimSpace(e.ConversationID) == "" {
			return errors.New("missing field: conversationId")
		}
		if strings.TrimSpace(e.CompanyID) == "" {
			return errors.New("missing field: companyId")
		}
		return nil

	case TypeJoined:
		if strings.TrimSpace(e.ConversationID) == "" {
			return errors.New("missing field: conversationId")
		}
		return nil

	case TypeMessage:
		if strings.TrimSpace(e.ConversationID) == "" {
			return errors.New("missing field: conversationId")
		}
		if strings.TrimSpace(e.Message) == "" {
			return errors.New("missing field: message")
		}
		if !e.SenderType.Valid() {
			return fmt.Errorf("invalid senderType: %q", e.SenderType)
		}
		return nil

	case TypeTyping:
		if strings.TrimSpace(e.ConversationID) == "" {
			return errors.New("missing field: conversationId")
		}
		if e.SenderType != "" && !e.SenderType.Valid() {
			return fmt.Errorf("invalid senderType: %q", e.SenderType)
		}
		return nil

	case TypeError:
		return nil

	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Decode parses a frame into an Envelope without validating it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewJoin builds a join envelope.
func NewJoin(conversationID, companyID string) Envelope {
	return Envelope{Type: TypeJoin, ConversationID: conversationID, CompanyID: companyID}
}

// NewJoined builds a join acknowledgement.
func NewJoined(conversationID string) Envelope {
	return Envelope{Type: TypeJoined, ConversationID: conversationID}
}

// NewError builds an error envelope.
func NewError(msg string) Envelope {
	return Envelope{Type: TypeError, Message: msg}
}

// MessageEnvelope converts a persisted message into its server -> client frame.
func MessageEnvelope(m Message) Envelope {
	return Envelope{
		Type:           TypeMessage,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		ClientMsgID:    m.ClientMsgID,
		Seq:            m.Seq,
		SenderName:     m.SenderName,
		SenderType:     m.SenderType,
		AgentID:        m.SenderID,
		Message:        m.Message,
		Timestamp:      m.CreatedAt,
	}
}
