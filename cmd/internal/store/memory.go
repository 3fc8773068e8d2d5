package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"leazr/cmd/internal/ids"
	v1 "leazr/shared/contracts/livechat/v1"
)

const memMaxMessagesPerConversation = 10_000

// MemoryStore is a dev/test Store used when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*memConv
	feed   *feed
	closed bool

	// maxMessages bounds the history kept per conversation; dedupe keys of trimmed
	// messages go with them.
	maxMessages int
}

type memConv struct {
	conv   v1.Conversation
	seq    int64
	lastTS time.Time
	dedupe map[string]v1.Message // client_msg_id -> stored message
	msgs   []v1.Message          // ordered by seq
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		convs:       make(map[string]*memConv),
		feed:        newFeed(log),
		maxMessages: memMaxMessagesPerConversation,
	}
}

// Close closes every subscription. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.feed.close()
	return nil
}

// CreateConversation inserts a conversation or returns the existing one with the same id.
func (s *MemoryStore) CreateConversation(ctx context.Context, c v1.Conversation) (CreateConversationResult, error) {
	const op = "store.CreateConversation"

	if err := ctx.Err(); err != nil {
		return CreateConversationResult{}, err
	}
	c, err := normalizeConversation(op, c, time.Now().UTC())
	if err != nil {
		return CreateConversationResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return CreateConversationResult{}, OpError{Op: op, Kind: ErrClosed}
	}

	if existing, ok := s.convs[c.ID]; ok {
		if existing.conv.CompanyID != c.CompanyID {
			return CreateConversationResult{}, conflict(op, "conversation belongs to another company")
		}
		return CreateConversationResult{Conversation: existing.conv, Created: false}, nil
	}

	s.convs[c.ID] = &memConv{
		conv:   c,
		dedupe: make(map[string]v1.Message),
		msgs:   make([]v1.Message, 0, 64),
	}

	cp := c
	s.feed.publish(v1.Change{Table: v1.TableConversations, Op: v1.OpInsert, Conversation: &cp})

	return CreateConversationResult{Conversation: c, Created: true}, nil
}

// GetConversation returns a conversation by id.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (v1.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return v1.Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return v1.Conversation{}, notFound("store.GetConversation", "conversation")
	}
	return c.conv, nil
}

// UpdateConversationStatus changes the status. Setting the current status is a no-op
// and publishes nothing.
func (s *MemoryStore) UpdateConversationStatus(ctx context.Context, id string, status v1.ConversationStatus) (v1.Conversation, error) {
	const op = "store.UpdateConversationStatus"

	if err := ctx.Err(); err != nil {
		return v1.Conversation{}, err
	}
	if !status.Valid() {
		return v1.Conversation{}, invalid(op, "invalid status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return v1.Conversation{}, notFound(op, "conversation")
	}
	if c.conv.Status == status {
		return c.conv, nil
	}

	now := time.Now().UTC()
	if !now.After(c.conv.UpdatedAt) {
		now = c.conv.UpdatedAt.Add(time.Microsecond)
	}
	c.conv.Status = status
	c.conv.UpdatedAt = now

	cp := c.conv
	s.feed.publish(v1.Change{Table: v1.TableConversations, Op: v1.OpUpdate, Conversation: &cp})

	return c.conv, nil
}

// InsertMessage persists a message with idempotency and monotonic sequence allocation.
func (s *MemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error) {
	const op = "store.InsertMessage"

	if err := ctx.Err(); err != nil {
		return InsertMessageResult{}, err
	}
	in, err := normalizeMessage(op, in)
	if err != nil {
		return InsertMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return InsertMessageResult{}, OpError{Op: op, Kind: ErrClosed}
	}

	c := s.convs[in.ConversationID]
	if c == nil {
		return InsertMessageResult{}, notFound(op, "conversation")
	}

	if in.ClientMsgID != "" {
		if existing, ok := c.dedupe[in.ClientMsgID]; ok {
			return InsertMessageResult{Message: existing, Duplicated: true}, nil
		}
	}

	ts := in.Now
	if ts.Before(c.lastTS) {
		ts = c.lastTS
	}
	c.lastTS = ts
	c.seq++

	msg := v1.Message{
		ID:             ids.MustULID(ts),
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		SenderType:     in.SenderType,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Message:        in.Message,
		MessageType:    in.MessageType,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      ts,
	}
	if in.ClientMsgID != "" {
		c.dedupe[in.ClientMsgID] = msg
	}
	c.msgs = append(c.msgs, msg)

	if over := len(c.msgs) - s.maxMessages; over > 0 {
		for _, old := range c.msgs[:over] {
			if old.ClientMsgID != "" && c.dedupe[old.ClientMsgID].ID == old.ID {
				delete(c.dedupe, old.ClientMsgID)
			}
		}
		c.msgs = c.msgs[over:]
	}

	cp := msg
	s.feed.publish(v1.Change{Table: v1.TableMessages, Op: v1.OpInsert, Message: &cp})

	return InsertMessageResult{Message: msg}, nil
}

// LastSeq returns the highest allocated seq of a conversation.
func (s *MemoryStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return 0, notFound("store.LastSeq", "conversation")
	}
	return c.seq, nil
}

// ListMessages returns messages ordered by seq ASC with paging via AfterSeq.
func (s *MemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ConversationID == "" {
		return ListMessagesResult{}, invalid("store.ListMessages", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := clampLimit(in.Limit)

	s.mu.Lock()
	c := s.convs[in.ConversationID]
	var snap []v1.Message
	if c != nil {
		snap = append([]v1.Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return ListMessagesResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return ListMessagesResult{}, nil
		}
	}

	end := start + limit + 1
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// Subscribe registers a filtered change-feed subscription.
func (s *MemoryStore) Subscribe(ctx context.Context, f v1.Filter) (*Subscription, error) {
	return s.feed.subscribe(ctx, f)
}
