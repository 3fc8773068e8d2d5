package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	v1 "leazr/shared/contracts/livechat/v1"
)

// ChannelAdapter is the fallback transport: reads and writes go straight to the hosted
// store and live updates arrive through two filtered subscriptions per conversation.
type ChannelAdapter struct {
	store Store
	state *State
	log   *slog.Logger

	// connMu serializes Connect and Close so one generation of subscriptions is torn
	// down before the next is installed.
	connMu sync.Mutex

	mu             sync.Mutex
	conversationID string
	subs           []Subscription
	cancel         context.CancelFunc
	pumps          *sync.WaitGroup
}

// NewChannelAdapter constructs an adapter writing into state.
func NewChannelAdapter(st Store, state *State, log *slog.Logger) *ChannelAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &ChannelAdapter{store: st, state: state, log: log}
}

// ConversationID returns the conversation currently subscribed to ("" when none).
func (a *ChannelAdapter) ConversationID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conversationID
}

// Connect subscribes to updates of conversationID and its new messages, replacing any
// previous subscriptions.
func (a *ChannelAdapter) Connect(ctx context.Context, conversationID string) error {
	const op = "channel.Connect"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return opErr(op, ErrInvalidInput, errors.New("missing conversation id"))
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()

	a.closeSubs()

	// Subscriptions outlive the connect call; they end on Close.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	convSub, err := a.store.Subscribe(subCtx, v1.ConversationUpdates(conversationID))
	if err != nil {
		cancel()
		return opErr(op, ErrStore, err)
	}
	msgSub, err := a.store.Subscribe(subCtx, v1.MessageInserts(conversationID))
	if err != nil {
		_ = convSub.Close()
		cancel()
		return opErr(op, ErrStore, err)
	}

	pumps := &sync.WaitGroup{}
	pumps.Add(2)
	go a.pump(convSub, pumps)
	go a.pump(msgSub, pumps)

	a.mu.Lock()
	a.conversationID = conversationID
	a.subs = []Subscription{convSub, msgSub}
	a.cancel = cancel
	a.pumps = pumps
	a.mu.Unlock()

	a.state.SetActiveConversation(conversationID)
	a.state.SetConnected(true)

	a.log.Info("chatclient.channel.connected", "conversation_id", conversationID)
	return nil
}

// CreateConversation inserts the conversation row and connects to it.
func (a *ChannelAdapter) CreateConversation(ctx context.Context, c v1.Conversation) (v1.Conversation, error) {
	created, err := a.store.CreateConversation(ctx, c)
	if err != nil {
		return v1.Conversation{}, opErr("channel.CreateConversation", ErrStore, err)
	}
	a.state.SetConversation(created)

	if err := a.Connect(ctx, created.ID); err != nil {
		return created, err
	}
	return created, nil
}

// SendMessage inserts a message. The subscription delivers it back into state.
func (a *ChannelAdapter) SendMessage(ctx context.Context, m v1.NewMessage) (v1.Message, error) {
	msg, err := a.store.InsertMessage(ctx, m)
	if err != nil {
		return v1.Message{}, opErr("channel.SendMessage", ErrStore, err)
	}
	// State drops the matching notification when it arrives.
	a.state.AppendMessage(msg)
	return msg, nil
}

// SendTyping is a no-op: typing indicators are not carried over the fallback channel.
func (a *ChannelAdapter) SendTyping(context.Context, string) error {
	return nil
}

// LoadMessages reads the persisted history ordered by seq and merges it into state.
func (a *ChannelAdapter) LoadMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	msgs, err := a.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, opErr("channel.LoadMessages", ErrStore, err)
	}
	if msgs == nil {
		msgs = []v1.Message{}
	}
	a.state.MergeMessages(conversationID, msgs)
	return msgs, nil
}

// Close removes the subscriptions and waits for their pumps to stop. Safe to call
// repeatedly.
func (a *ChannelAdapter) Close() {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	a.closeSubs()
}

// closeSubs tears down the current generation. Callers hold connMu.
func (a *ChannelAdapter) closeSubs() {
	a.mu.Lock()
	subs := a.subs
	cancel := a.cancel
	pumps := a.pumps
	a.subs = nil
	a.cancel = nil
	a.pumps = nil
	a.conversationID = ""
	a.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if cancel != nil {
		cancel()
	}
	if pumps != nil {
		pumps.Wait()
	}
}

func (a *ChannelAdapter) pump(sub Subscription, pumps *sync.WaitGroup) {
	defer pumps.Done()

	for ch := range sub.Changes() {
		switch ch.Table {
		case v1.TableMessages:
			if ch.Message != nil {
				a.state.AppendMessage(*ch.Message)
			}
		case v1.TableConversations:
			if ch.Conversation != nil {
				a.state.SetConversation(*ch.Conversation)
			}
		}
	}
}
