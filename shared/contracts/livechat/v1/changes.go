package v1

import (
	"errors"
	"fmt"
	"strings"
)

// Table names a record stream of the hosted store.
type Table string

const (
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"
)

// Op is a change-feed operation.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// Change is one change-feed notification. Exactly one of Conversation/Message is set,
// matching Table.
type Change struct {
	Table        Table         `json:"table"`
	Op           Op            `json:"op"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Message      *Message      `json:"message,omitempty"`
}

// ConversationID returns the conversation the change is scoped to.
func (c Change) ConversationID() string {
	switch {
	case c.Conversation != nil:
		return c.Conversation.ID
	case c.Message != nil:
		return c.Message.ConversationID
	}
	return ""
}

// Filter scopes a subscription to one stream, one operation and one conversation.
// The equality column is conversations.id or messages.conversation_id.
type Filter struct {
	Table          Table
	Op             Op
	ConversationID string
}

// ConversationUpdates returns the filter for updates of one conversation row.
func ConversationUpdates(conversationID string) Filter {
	return Filter{Table: TableConversations, Op: OpUpdate, ConversationID: conversationID}
}

// MessageInserts returns the filter for new messages of one conversation.
func MessageInserts(conversationID string) Filter {
	return Filter{Table: TableMessages, Op: OpInsert, ConversationID: conversationID}
}

// Validate checks that the filter is well formed.
func (f Filter) Validate() error {
	if f.Table != TableConversations && f.Table != TableMessages {
		return fmt.Errorf("unknown table: %q", f.Table)
	}
	if f.Op != OpInsert && f.Op != OpUpdate {
		return fmt.Errorf("unknown op: %q", f.Op)
	}
	if strings.TrimSpace(f.ConversationID) == "" {
		return errors.New("missing conversation id")
	}
	return nil
}

// Matches reports whether c passes the filter.
func (f Filter) Matches(c Change) bool {
	return c.Table == f.Table && c.Op == f.Op && c.ConversationID() == f.ConversationID
}
