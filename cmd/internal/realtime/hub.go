package realtime

import (
	"context"
	"log/slog"
	"sync"

	"leazr/cmd/internal/store"
	v1 "leazr/shared/contracts/livechat/v1"
)

// Hub owns the live rooms. Each room holds one store subscription to its message
// inserts, so messages written through any path (socket or REST) reach its members.
type Hub struct {
	log     *slog.Logger
	store   store.Store
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	rooms map[string]*hubRoom
}

type hubRoom struct {
	room *Room
	sub  *store.Subscription
}

// NewHub constructs a Hub over st.
func NewHub(log *slog.Logger, st store.Store, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:     log,
		store:   st,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*hubRoom),
	}
}

// Join adds client to the room of conversationID, opening the room if needed.
func (h *Hub) Join(conversationID string, client *Client) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if hr, ok := h.rooms[conversationID]; ok {
		hr.room.join(client)
		return hr.room, nil
	}

	sub, err := h.store.Subscribe(h.ctx, v1.MessageInserts(conversationID))
	if err != nil {
		return nil, err
	}

	room := newRoom(h.log, h.metrics, conversationID)
	room.join(client)
	h.rooms[conversationID] = &hubRoom{room: room, sub: sub}
	h.metrics.roomOpened()

	go room.pump(sub.Changes())
	return room, nil
}

// Leave removes the session from room and closes the room once it is empty.
func (h *Hub) Leave(room *Room, sessionID string) {
	if room == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if room.leave(sessionID) > 0 {
		return
	}
	hr, ok := h.rooms[room.ID]
	if !ok || hr.room != room {
		return
	}
	delete(h.rooms, room.ID)
	_ = hr.sub.Close()
	h.metrics.roomClosed()
}

// Room returns the live room of conversationID, if any.
func (h *Hub) Room(conversationID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hr, ok := h.rooms[conversationID]
	if !ok {
		return nil, false
	}
	return hr.room, true
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close releases every room subscription.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, hr := range h.rooms {
		_ = hr.sub.Close()
		delete(h.rooms, id)
		h.metrics.roomClosed()
	}
}
