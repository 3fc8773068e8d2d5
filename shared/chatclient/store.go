package chatclient

import (
	"context"

	v1 "leazr/shared/contracts/livechat/v1"
)

//go:generate mockgen -destination=mock/store_mock.go -package=mock leazr/shared/chatclient Store,Subscription

// Store is the hosted conversation/message store as seen by the realtime-channel adapter.
type Store interface {
	CreateConversation(ctx context.Context, c v1.Conversation) (v1.Conversation, error)
	InsertMessage(ctx context.Context, m v1.NewMessage) (v1.Message, error)

	// ListMessages returns the full history of a conversation ordered by seq ascending.
	ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error)

	// Subscribe streams changes matching f until the subscription is closed or ctx ends.
	Subscribe(ctx context.Context, f v1.Filter) (Subscription, error)
}

// Subscription is a live change stream. Changes is closed once the subscription ends.
type Subscription interface {
	Changes() <-chan v1.Change
	Close() error
}
