package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/coder/websocket"
)

// fakeStore is an in-process Store with a synchronous change feed.
type fakeStore struct {
	mu      sync.Mutex
	convs   map[string]v1.Conversation
	msgs    map[string][]v1.Message
	subs    map[*fakeSub]struct{}
	inserts int
	clock   time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[string]v1.Conversation),
		msgs:  make(map[string][]v1.Message),
		subs:  make(map[*fakeSub]struct{}),
		clock: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (s *fakeStore) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *fakeStore) CreateConversation(_ context.Context, c v1.Conversation) (v1.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.convs[c.ID]; ok {
		return existing, nil
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.convs[c.ID] = c
	return c, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, m v1.NewMessage) (v1.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[m.ConversationID]; !ok {
		return v1.Message{}, fmt.Errorf("conversation %q not found", m.ConversationID)
	}
	s.inserts++
	list := s.msgs[m.ConversationID]
	msg := v1.Message{
		ID:             fmt.Sprintf("m-%d", s.inserts),
		ConversationID: m.ConversationID,
		Seq:            int64(len(list) + 1),
		SenderType:     m.SenderType,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Message:        m.Message,
		MessageType:    v1.MessageText,
		ClientMsgID:    m.ClientMsgID,
		CreatedAt:      s.now(),
	}
	s.msgs[m.ConversationID] = append(list, msg)

	change := v1.Change{Table: v1.TableMessages, Op: v1.OpInsert, Message: &msg}
	for sub := range s.subs {
		if sub.filter.Matches(change) {
			sub.ch <- change
		}
	}
	return msg, nil
}

func (s *fakeStore) ListMessages(_ context.Context, conversationID string) ([]v1.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.Message{}, s.msgs[conversationID]...), nil
}

func (s *fakeStore) Subscribe(_ context.Context, f v1.Filter) (Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &fakeSub{store: s, filter: f, ch: make(chan v1.Change, 256)}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *fakeStore) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

type fakeSub struct {
	store  *fakeStore
	filter v1.Filter
	ch     chan v1.Change
	once   sync.Once
}

func (s *fakeSub) Changes() <-chan v1.Change { return s.ch }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		close(s.ch)
		s.store.mu.Unlock()
	})
	return nil
}

// manualClock records scheduled callbacks and runs them on demand.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns the durations of timers that are neither stopped nor fired.
func (c *manualClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

func (c *manualClock) scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs every pending timer.
func (c *manualClock) fire() {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// wsServer is a scripted socket endpoint. script runs once per accepted connection;
// n counts connections from 1.
type wsServer struct {
	srv   *httptest.Server
	conns atomic.Int32
	joins chan v1.Envelope
}

func newWSServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn, n int, s *wsServer)) *wsServer {
	t.Helper()

	s := &wsServer{joins: make(chan v1.Envelope, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.conns.Add(1))
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:       []string{v1.Subprotocol},
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		script(r.Context(), conn, n, s)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// readJoin reads the next frame, which must be a join, and records it.
func (s *wsServer) readJoin(ctx context.Context, conn *websocket.Conn) (v1.Envelope, bool) {
	env, err := readEnvelope(ctx, conn)
	if err != nil || env.Type != v1.TypeJoin {
		return v1.Envelope{}, false
	}
	s.joins <- env
	return env, true
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Decode(data)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// drain reads until the connection ends.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func newTestFacade(t *testing.T, socketURL string, st Store, clock *manualClock) *Facade {
	t.Helper()

	f, err := New(Config{
		CompanyID:   "company-1",
		SocketURL:   socketURL,
		VisitorID:   "visitor-1",
		DialTimeout: 2 * time.Second,
		OpTimeout:   5 * time.Second,
	}, st, withAfterFunc(clock.AfterFunc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(f.Disconnect)
	return f
}
