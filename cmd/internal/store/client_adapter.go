package store

import (
	"context"

	"leazr/shared/chatclient"
	v1 "leazr/shared/contracts/livechat/v1"
)

// ClientStore exposes a Store through the chatclient.Store interface, for in-process
// fallback clients (tests, smoke tooling) that share the server's store.
type ClientStore struct {
	st Store
}

var _ chatclient.Store = (*ClientStore)(nil)

// NewClientStore wraps st.
func NewClientStore(st Store) *ClientStore {
	return &ClientStore{st: st}
}

func (c *ClientStore) CreateConversation(ctx context.Context, conv v1.Conversation) (v1.Conversation, error) {
	res, err := c.st.CreateConversation(ctx, conv)
	if err != nil {
		return v1.Conversation{}, err
	}
	return res.Conversation, nil
}

func (c *ClientStore) InsertMessage(ctx context.Context, m v1.NewMessage) (v1.Message, error) {
	res, err := c.st.InsertMessage(ctx, InsertMessageInput{NewMessage: m})
	if err != nil {
		return v1.Message{}, err
	}
	return res.Message, nil
}

// ListMessages pages through the whole history.
func (c *ClientStore) ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	var (
		out   []v1.Message
		after int64
	)
	for {
		res, err := c.st.ListMessages(ctx, ListMessagesInput{
			ConversationID: conversationID,
			AfterSeq:       &after,
			Limit:          maxListLimit,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Messages...)
		if !res.HasMore || len(res.Messages) == 0 {
			return out, nil
		}
		after = res.Messages[len(res.Messages)-1].Seq
	}
}

func (c *ClientStore) Subscribe(ctx context.Context, f v1.Filter) (chatclient.Subscription, error) {
	sub, err := c.st.Subscribe(ctx, f)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
