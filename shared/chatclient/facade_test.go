package chatclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

func TestFacade_FallbackIsPermanent(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		dials.Add(1)
		http.Error(w, "no sockets here", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	st := newFakeStore()
	_, err := st.CreateConversation(context.Background(), v1.Conversation{ID: "conv-1", CompanyID: "company-1", VisitorName: "Alice"})
	require.NoError(t, err)

	f := newTestFacade(t, "ws"+srv.URL[len("http"):], st, &manualClock{})
	ctx := context.Background()

	require.NoError(t, f.Connect(ctx, "conv-1", "Alice", ""))
	assert.Equal(t, TransportFallback, f.Transport())
	assert.Equal(t, int32(1), dials.Load())

	snap := f.Snapshot()
	assert.Empty(t, snap.Err, "fallback must be invisible")
	assert.True(t, snap.Connected)
	assert.Equal(t, 2, st.subscriptions())

	require.NoError(t, f.SendMessage(ctx, "conv-1", "hello", "Alice", v1.SenderVisitor))
	assert.Equal(t, 1, st.insertCount())

	require.NoError(t, f.SendTyping(ctx, "conv-1", "Alice", v1.SenderVisitor))

	msgs, err := f.LoadMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A later manual connect must not try the socket again.
	require.NoError(t, f.Connect(ctx, "conv-1", "", ""))
	assert.Equal(t, TransportFallback, f.Transport())
	assert.Equal(t, int32(1), dials.Load())

	f.Disconnect()
	require.NoError(t, f.Connect(ctx, "conv-1", "", ""))
	assert.Equal(t, TransportFallback, f.Transport())
	assert.Equal(t, int32(1), dials.Load())
}

func TestFacade_FallbackOnSocketLoss(t *testing.T) {
	tests := []struct {
		name   string
		script func(ctx context.Context, conn *websocket.Conn, n int, s *wsServer)
	}{
		{
			name: "closed_before_joined",
			script: func(ctx context.Context, conn *websocket.Conn, _ int, s *wsServer) {
				s.readJoin(ctx, conn)
				_ = conn.Close(websocket.StatusNormalClosure, "")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ws := newWSServer(t, tc.script)
			st := newFakeStore()
			_, err := st.CreateConversation(context.Background(), v1.Conversation{ID: "conv-1", CompanyID: "company-1"})
			require.NoError(t, err)

			clock := &manualClock{}
			f := newTestFacade(t, ws.url(), st, clock)

			require.NoError(t, f.Connect(context.Background(), "conv-1", "Alice", ""))

			require.Eventually(t, func() bool { return f.Transport() == TransportFallback }, waitFor, tick)
			require.Eventually(t, func() bool { return st.subscriptions() == 2 }, waitFor, tick)

			snap := f.Snapshot()
			assert.Empty(t, snap.Err)
			assert.Equal(t, TransportFallback, snap.Transport)
			assert.Empty(t, clock.pending(), "no reconnect after fallback")
			assert.Equal(t, int32(1), ws.conns.Load())
		})
	}
}

func TestFacade_MessageOrdering(t *testing.T) {
	st := newFakeStore()
	ctx := context.Background()

	writer := newTestFacade(t, "", st, &manualClock{})
	id, err := writer.CreateConversation(ctx, "Alice", "")
	require.NoError(t, err)

	observer := newTestFacade(t, "", st, &manualClock{})
	require.NoError(t, observer.Connect(ctx, id, "", ""))

	bodies := []string{"one", "two", "three", "four", "five", "six", "seven"}
	for _, b := range bodies {
		require.NoError(t, writer.SendMessage(ctx, id, b, "Alice", v1.SenderVisitor))
	}

	msgs, err := writer.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, len(bodies))
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "created_at must not decrease")
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}

	require.Eventually(t, func() bool {
		return len(observer.State().Messages(id)) == len(bodies)
	}, waitFor, tick)

	live := observer.State().Messages(id)
	for i, b := range bodies {
		assert.Equal(t, b, live[i].Message)
	}
}

func TestFacade_DisconnectIsIdempotent(t *testing.T) {
	st := newFakeStore()

	never := newTestFacade(t, "ws://127.0.0.1:1/ws", st, &manualClock{})
	never.Disconnect()
	never.Disconnect()
	assert.False(t, never.Snapshot().Connected)

	f := newTestFacade(t, "", st, &manualClock{})
	_, err := f.CreateConversation(context.Background(), "Alice", "")
	require.NoError(t, err)
	require.True(t, f.Snapshot().Connected)

	f.Disconnect()
	f.Disconnect()
	assert.False(t, f.Snapshot().Connected)
	assert.Zero(t, st.subscriptions())
}

func TestFacade_ReconnectAfterJoinedSocketCloses(t *testing.T) {
	tests := []struct {
		name string
		drop func(conn *websocket.Conn)
	}{
		{
			name: "clean_close",
			drop: func(conn *websocket.Conn) { _ = conn.Close(websocket.StatusGoingAway, "restart") },
		},
		{
			name: "dropped_without_close_frame",
			drop: func(conn *websocket.Conn) {
				time.Sleep(50 * time.Millisecond)
				_ = conn.CloseNow()
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ws := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, n int, s *wsServer) {
				env, ok := s.readJoin(ctx, conn)
				if !ok {
					return
				}
				_ = writeEnvelope(ctx, conn, v1.NewJoined(env.ConversationID))
				if n == 1 {
					tc.drop(conn)
					return
				}
				drain(ctx, conn)
			})

			st := newFakeStore()
			clock := &manualClock{}
			f := newTestFacade(t, ws.url(), st, clock)

			require.NoError(t, f.Connect(context.Background(), "conv-1", "Alice", "alice@example.com"))

			first := <-ws.joins
			assert.Equal(t, "Alice", first.VisitorName)
			assert.Equal(t, "company-1", first.CompanyID)

			require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, waitFor, tick)
			assert.Equal(t, []time.Duration{DefaultReconnectDelay}, clock.pending())
			assert.Equal(t, 1, clock.scheduled(), "exactly one reconnect is scheduled")
			assert.Equal(t, TransportSocket, f.Transport())
			assert.Zero(t, st.subscriptions(), "no fallback subscriptions")
			require.Eventually(t, func() bool { return !f.Snapshot().Connected }, waitFor, tick)

			clock.fire()

			select {
			case second := <-ws.joins:
				assert.Equal(t, "conv-1", second.ConversationID)
				assert.Equal(t, "Alice", second.VisitorName)
				assert.Equal(t, "alice@example.com", second.VisitorEmail)
			case <-time.After(waitFor):
				t.Fatal("no reconnect join")
			}

			assert.Equal(t, int32(2), ws.conns.Load())
			assert.Equal(t, TransportSocket, f.Transport())
			require.Eventually(t, func() bool { return f.Snapshot().Connected }, waitFor, tick)
		})
	}
}

func TestFacade_DisconnectCancelsReconnect(t *testing.T) {
	ws := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int, s *wsServer) {
		env, ok := s.readJoin(ctx, conn)
		if !ok {
			return
		}
		_ = writeEnvelope(ctx, conn, v1.NewJoined(env.ConversationID))
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	})

	clock := &manualClock{}
	f := newTestFacade(t, ws.url(), newFakeStore(), clock)
	require.NoError(t, f.Connect(context.Background(), "conv-1", "Alice", ""))
	require.Eventually(t, func() bool { return len(clock.pending()) == 1 }, waitFor, tick)

	f.Disconnect()
	assert.Empty(t, clock.pending())

	clock.fire()
	assert.Equal(t, int32(1), ws.conns.Load())
}

func TestFacade_TypingDecay(t *testing.T) {
	clock := &manualClock{}
	f := newTestFacade(t, "", newFakeStore(), clock)
	ctx := context.Background()

	require.NoError(t, f.SendTyping(ctx, "conv-1", "Alice", v1.SenderVisitor))
	assert.True(t, f.Snapshot().Typing)
	assert.Equal(t, []time.Duration{DefaultTypingDecay}, clock.pending())

	// A second keystroke re-arms the timer; only the newest one stays live.
	require.NoError(t, f.SendTyping(ctx, "conv-1", "Alice", v1.SenderVisitor))
	assert.Len(t, clock.pending(), 1)
	assert.True(t, f.Snapshot().Typing)

	clock.fire()
	assert.False(t, f.Snapshot().Typing)
}

func TestFacade_StaleTypingTimerIsIgnored(t *testing.T) {
	clock := &manualClock{}
	f := newTestFacade(t, "", newFakeStore(), clock)

	f.localTyping.Touch("typing")
	stale := clock.timers[0]
	f.localTyping.Touch("typing")

	// A timer that fires after being superseded must not clear the flag.
	stale.f()
	assert.True(t, f.Snapshot().Typing)
}

func TestFacade_CreateConversationRoundTrip(t *testing.T) {
	st := newFakeStore()
	ctx := context.Background()

	f := newTestFacade(t, "", st, &manualClock{})
	id, err := f.CreateConversation(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	fresh := newTestFacade(t, "", st, &manualClock{})
	msgs, err := fresh.LoadMessages(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	require.NoError(t, fresh.SendMessage(ctx, id, "Hello, I need a quote", "Alice", v1.SenderVisitor))

	msgs, err = fresh.LoadMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Alice", msgs[0].SenderName)
	assert.Equal(t, v1.SenderVisitor, msgs[0].SenderType)

	snap := f.Snapshot()
	require.NotNil(t, snap.Conversation)
	assert.Equal(t, "alice@example.com", snap.Conversation.VisitorEmail)
	assert.Equal(t, id, snap.ActiveConversationID)
}

func TestFacade_SocketFrames(t *testing.T) {
	ws := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int, s *wsServer) {
		env, ok := s.readJoin(ctx, conn)
		if !ok {
			return
		}
		id := env.ConversationID
		_ = writeEnvelope(ctx, conn, v1.NewJoined(id))

		msg := v1.Envelope{
			Type:           v1.TypeMessage,
			ConversationID: id,
			MessageID:      "m-1",
			SenderType:     v1.SenderAgent,
			SenderName:     "Bob",
			AgentID:        "agent-7",
			Message:        "Hi Alice",
			Timestamp:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		}
		_ = writeEnvelope(ctx, conn, msg)
		_ = writeEnvelope(ctx, conn, msg)
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		_ = writeEnvelope(ctx, conn, v1.Envelope{Type: v1.TypeMessage, ConversationID: id, SenderType: v1.SenderVisitor, SenderName: "Alice", Message: "no id"})
		_ = writeEnvelope(ctx, conn, v1.Envelope{Type: v1.TypeTyping, ConversationID: id, SenderName: "Bob", SenderType: v1.SenderAgent})
		_ = writeEnvelope(ctx, conn, v1.NewError("conversation is closed"))
		drain(ctx, conn)
	})

	f := newTestFacade(t, ws.url(), newFakeStore(), &manualClock{})
	require.NoError(t, f.Connect(context.Background(), "conv-1", "Alice", ""))

	require.Eventually(t, func() bool { return f.Snapshot().Err != "" }, waitFor, tick)

	snap := f.Snapshot()
	assert.Equal(t, "conversation is closed", snap.Err)
	assert.Equal(t, "Bob", snap.RemoteTyping)
	assert.True(t, snap.Connected, "malformed frames do not affect the connection")

	msgs := snap.Messages["conv-1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, "agent-7", msgs[0].SenderID)
	assert.Equal(t, "no id", msgs[1].Message)
	assert.Contains(t, msgs[1].ID, "tmp-")
	assert.Empty(t, msgs[1].SenderID)
	assert.False(t, msgs[1].CreatedAt.IsZero())
}

func TestFacade_SendWithoutConnection(t *testing.T) {
	f := newTestFacade(t, "ws://127.0.0.1:1/ws", newFakeStore(), &manualClock{})
	ctx := context.Background()

	err := f.SendMessage(ctx, "conv-1", "hello", "Alice", v1.SenderVisitor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConnected))

	var oe *OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "SendMessage", oe.Op)
	assert.NotEmpty(t, f.Snapshot().Err)

	err = f.SendTyping(ctx, "conv-1", "Alice", v1.SenderVisitor)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestFacade_InvalidInput(t *testing.T) {
	f := newTestFacade(t, "", newFakeStore(), &manualClock{})
	ctx := context.Background()

	_, err := f.CreateConversation(ctx, "   ", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.ErrorIs(t, f.Connect(ctx, "", "Alice", ""), ErrInvalidInput)
	assert.ErrorIs(t, f.SendMessage(ctx, "conv-1", "  ", "Alice", v1.SenderVisitor), ErrInvalidInput)
	assert.ErrorIs(t, f.SendMessage(ctx, "conv-1", "hi", "Alice", "robot"), ErrInvalidInput)

	_, err = f.LoadMessages(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, newFakeStore())
	assert.Error(t, err)

	_, err = New(Config{CompanyID: "c"}, nil)
	assert.Error(t, err)

	f, err := New(Config{CompanyID: "c"}, newFakeStore())
	require.NoError(t, err)
	assert.Equal(t, TransportFallback, f.Transport(), "no socket url means fallback only")
	assert.Equal(t, DefaultOpTimeout, f.cfg.OpTimeout)
}

func TestFacade_ConcurrentConnectKeepsOneSubscriptionPair(t *testing.T) {
	st := newFakeStore()
	for _, id := range []string{"conv-1", "conv-2"} {
		_, err := st.CreateConversation(context.Background(), v1.Conversation{ID: id, CompanyID: "company-1"})
		require.NoError(t, err)
	}

	f := newTestFacade(t, "", st, &manualClock{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "conv-1"
			if i%2 == 1 {
				id = "conv-2"
			}
			assert.NoError(t, f.Connect(context.Background(), id, "Alice", ""))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, st.subscriptions(), "older generations must be closed")
	assert.Equal(t, TransportFallback, f.Transport())

	f.Disconnect()
	assert.Zero(t, st.subscriptions())
}
