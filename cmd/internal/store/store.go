// Package store is the hosted conversation/message store of the live chat: persistent
// rows plus a change feed that subscribers filter by conversation.
package store

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	v1 "leazr/shared/contracts/livechat/v1"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists conversations and messages and publishes their changes.
//
// Requirements:
//   - Idempotent conversation create keyed by id (company-scoped)
//   - Idempotent message insert per (conversation_id, client_msg_id)
//   - Monotonic seq per conversation with non-decreasing created_at
//   - Change notifications delivered in commit order
type Store interface {
	CreateConversation(ctx context.Context, c v1.Conversation) (CreateConversationResult, error)
	GetConversation(ctx context.Context, id string) (v1.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status v1.ConversationStatus) (v1.Conversation, error)

	InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)

	// LastSeq returns the highest allocated seq of a conversation (0 when it has no messages).
	LastSeq(ctx context.Context, conversationID string) (int64, error)

	Subscribe(ctx context.Context, f v1.Filter) (*Subscription, error)
	Close() error
}

// CreateConversationResult reports whether the row was created or already existed.
type CreateConversationResult struct {
	Conversation v1.Conversation
	Created      bool
}

// InsertMessageInput describes a message insert request.
type InsertMessageInput struct {
	v1.NewMessage
	Now time.Time
}

// InsertMessageResult is the insert operation result.
type InsertMessageResult struct {
	Message    v1.Message
	Duplicated bool
}

// ListMessagesInput describes a history query.
type ListMessagesInput struct {
	ConversationID string
	AfterSeq       *int64
	Limit          int
}

// ListMessagesResult contains the retrieved history window, ordered by seq ASC.
type ListMessagesResult struct {
	Messages []v1.Message
	HasMore  bool
}

func normalizeConversation(op string, c v1.Conversation, now time.Time) (v1.Conversation, error) {
	c.ID = strings.TrimSpace(c.ID)
	c.CompanyID = strings.TrimSpace(c.CompanyID)
	c.VisitorName = strings.TrimSpace(c.VisitorName)
	c.VisitorEmail = strings.TrimSpace(c.VisitorEmail)

	if c.ID == "" {
		return v1.Conversation{}, invalid(op, "missing id")
	}
	if c.CompanyID == "" {
		return v1.Conversation{}, invalid(op, "missing company_id")
	}
	if c.Status == "" {
		c.Status = v1.StatusWaiting
	}
	if !c.Status.Valid() {
		return v1.Conversation{}, invalid(op, "invalid status")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

func normalizeMessage(op string, in InsertMessageInput) (InsertMessageInput, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.Message = strings.TrimSpace(in.Message)
	in.SenderName = strings.TrimSpace(in.SenderName)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)

	if in.ConversationID == "" {
		return in, invalid(op, "missing conversation_id")
	}
	if in.Message == "" {
		return in, invalid(op, "empty message")
	}
	if utf8.RuneCountInString(in.Message) > v1.MaxMessageChars {
		return in, invalid(op, "message too long")
	}
	if !in.SenderType.Valid() {
		return in, invalid(op, "invalid sender_type")
	}
	if in.SenderType == v1.SenderVisitor {
		// Sender identity is only recorded for agents.
		in.SenderID = ""
	}
	if in.MessageType == "" {
		in.MessageType = v1.MessageText
	}
	if in.MessageType != v1.MessageText {
		return in, invalid(op, "unsupported message_type")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
