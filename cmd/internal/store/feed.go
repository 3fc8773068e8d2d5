package store

import (
	"context"
	"log/slog"
	"sync"

	v1 "leazr/shared/contracts/livechat/v1"
)

const subscriberQueueSize = 256

// Subscription is a filtered view of the change feed.
//
// Changes is closed after Close (or after the subscribe context ends).
// Publishing never blocks: a subscriber that does not drain its queue loses changes.
type Subscription struct {
	id     uint64
	filter v1.Filter
	ch     chan v1.Change
	done   chan struct{}
	feed   *feed
	once   sync.Once
}

// Changes returns the channel of matching changes.
func (s *Subscription) Changes() <-chan v1.Change {
	return s.ch
}

// Filter returns the subscription filter.
func (s *Subscription) Filter() v1.Filter {
	return s.filter
}

// Close unregisters the subscription (idempotent).
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		close(s.done)
		s.feed.remove(s.id)
	})
	return nil
}

// feed fans out changes to subscribers.
//
// Sends happen under the read lock and channel close under the write lock,
// so a publish can never race a close.
type feed struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

func newFeed(log *slog.Logger) *feed {
	if log == nil {
		log = slog.Default()
	}
	return &feed{log: log, subs: make(map[uint64]*Subscription)}
}

func (f *feed) subscribe(ctx context.Context, filter v1.Filter) (*Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, invalid("store.Subscribe", err.Error())
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, OpError{Op: "store.Subscribe", Kind: ErrClosed}
	}
	f.nextID++
	s := &Subscription{
		id:     f.nextID,
		filter: filter,
		ch:     make(chan v1.Change, subscriberQueueSize),
		done:   make(chan struct{}),
		feed:   f,
	}
	f.subs[s.id] = s
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

func (f *feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(s.ch)
	}
}

func (f *feed) publish(c v1.Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.subs {
		if !s.filter.Matches(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
			f.log.Warn("store.feed.drop", "table", c.Table, "op", c.Op, "conversation_id", c.ConversationID(), "subscription", s.id)
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	f.closed = true
	subs := make([]*Subscription, 0, len(f.subs))
	for id, s := range f.subs {
		delete(f.subs, id)
		close(s.ch)
		subs = append(subs, s)
	}
	f.mu.Unlock()

	// Release the context watchers; remove is a no-op now.
	for _, s := range subs {
		_ = s.Close()
	}
}

func (f *feed) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
