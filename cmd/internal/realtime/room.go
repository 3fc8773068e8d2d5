package realtime

import (
	"log/slog"
	"sync"

	v1 "leazr/shared/contracts/livechat/v1"
)

// Room is the in-memory membership of one conversation plus its broadcast fanout.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks:
// a member whose queue is full misses the envelope.
type Room struct {
	log     *slog.Logger
	metrics *Metrics
	ID      string

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(log *slog.Logger, metrics *Metrics, id string) *Room {
	return &Room{
		log:     log,
		metrics: metrics,
		ID:      id,
		members: make(map[string]*Client),
	}
}

func (r *Room) join(client *Client) {
	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "conversation_id", r.ID, "session_id", client.SessionID)
}

// leave removes a member and reports how many remain. The client itself stays open;
// it may be switching rooms.
func (r *Room) leave(sessionID string) int {
	r.mu.Lock()
	delete(r.members, sessionID)
	n := len(r.members)
	r.mu.Unlock()

	r.log.Info("room.member.leave", "conversation_id", r.ID, "session_id", sessionID)
	return n
}

// Size returns the number of joined sessions.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans env out to every member.
func (r *Room) Broadcast(env v1.Envelope) {
	r.BroadcastExcept(env, "")
}

// BroadcastExcept fans env out to every member but skipSessionID.
func (r *Room) BroadcastExcept(env v1.Envelope, skipSessionID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if id == skipSessionID {
			continue
		}
		if !m.offer(env) {
			r.metrics.dropped()
			r.log.Warn("room.send.drop", "conversation_id", r.ID, "session_id", id, "type", env.Type)
		}
	}
}

// pump broadcasts every persisted message of the room until changes is closed.
func (r *Room) pump(changes <-chan v1.Change) {
	for c := range changes {
		if c.Message == nil {
			continue
		}
		r.metrics.broadcast()
		r.Broadcast(v1.MessageEnvelope(*c.Message))
	}
}
