package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"leazr/cmd/internal/agentauth"
	"leazr/cmd/internal/store"
	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type gatewayFixture struct {
	st      *store.MemoryStore
	hub     *Hub
	metrics *Metrics
	signer  *agentauth.Signer
	srv     *httptest.Server
}

func newGatewayFixture(t *testing.T, withVerifier bool, tune ...func(*GatewayConfig)) *gatewayFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore(log)
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(log, st, metrics)

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	cfg.AllowedOrigins = []string{"https://widget.leazr.test"}
	for _, fn := range tune {
		fn(&cfg)
	}

	f := &gatewayFixture{st: st, hub: hub, metrics: metrics}

	var verifier TokenVerifier
	if withVerifier {
		acfg := agentauth.DefaultConfig()
		acfg.SecretKeyHex = agentauth.GenerateSecretKeyHex()
		signer, err := agentauth.NewSigner(acfg)
		if err != nil {
			t.Fatalf("NewSigner: %v", err)
		}
		v, err := agentauth.NewVerifier(acfg)
		if err != nil {
			t.Fatalf("NewVerifier: %v", err)
		}
		f.signer = signer
		verifier = v
	}

	gw := NewWSGateway(log, hub, st, cfg, verifier)
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	f.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		f.srv.Close()
		hub.Close()
		_ = st.Close()
	})
	return f
}

func (f *gatewayFixture) token(t *testing.T, agentID, companyID string) string {
	t.Helper()
	tok, _, err := f.signer.Issue(agentID, companyID, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (f *gatewayFixture) dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()

	conn, resp, err := dialWS(t, f.srv.URL, origin)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func dialWS(t *testing.T, baseHTTPURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRawWS(t, conn, b)
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	env, err := v1.Decode(b)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		env := readWS(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func joinVisitor(t *testing.T, conn *websocket.Conn, convID string) {
	t.Helper()
	env := v1.NewJoin(convID, "company-1")
	env.VisitorID = "visitor-1"
	env.VisitorName = "Alice"
	env.VisitorEmail = "alice@example.com"
	writeEnvelopeWS(t, conn, env)

	got := readWS(t, conn)
	if got.Type != v1.TypeJoined || got.ConversationID != convID {
		t.Fatalf("expected joined for %s, got %+v", convID, got)
	}
}

func joinAgent(t *testing.T, conn *websocket.Conn, convID, token string) v1.Envelope {
	t.Helper()
	env := v1.NewJoin(convID, "company-1")
	env.AgentID = "agent-7"
	env.Token = token
	writeEnvelopeWS(t, conn, env)
	return readWS(t, conn)
}

func TestWSGateway_VisitorJoin_CreatesWaitingConversation(t *testing.T) {
	f := newGatewayFixture(t, false)
	conn := f.dial(t, "")

	joinVisitor(t, conn, "conv-1")

	conv, err := f.st.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != v1.StatusWaiting {
		t.Fatalf("expected waiting, got %s", conv.Status)
	}
	if conv.VisitorName != "Alice" || conv.VisitorEmail != "alice@example.com" {
		t.Fatalf("visitor identity not stored: %+v", conv)
	}
	if f.hub.Rooms() != 1 {
		t.Fatalf("expected 1 room, got %d", f.hub.Rooms())
	}
}

func TestWSGateway_AgentJoin_ActivatesAndMessagesFanOut(t *testing.T) {
	f := newGatewayFixture(t, true)
	visitor := f.dial(t, "")
	agent := f.dial(t, "")

	joinVisitor(t, visitor, "conv-1")
	if got := joinAgent(t, agent, "conv-1", f.token(t, "agent-7", "company-1")); got.Type != v1.TypeJoined {
		t.Fatalf("agent join: expected joined, got %+v", got)
	}

	conv, err := f.st.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != v1.StatusActive {
		t.Fatalf("expected active after agent join, got %s", conv.Status)
	}

	writeEnvelopeWS(t, visitor, v1.Envelope{
		Type:           v1.TypeMessage,
		ConversationID: "conv-1",
		Message:        "  hello  ",
		SenderName:     "Alice",
		SenderType:     v1.SenderVisitor,
		ClientMsgID:    "c-1",
	})

	for name, conn := range map[string]*websocket.Conn{"visitor": visitor, "agent": agent} {
		got := readUntilType(t, conn, v1.TypeMessage, 2)
		if got.Message != "hello" || got.Seq != 1 || got.MessageID == "" || got.ClientMsgID != "c-1" {
			t.Fatalf("%s: unexpected message envelope %+v", name, got)
		}
		if got.Timestamp.IsZero() {
			t.Fatalf("%s: expected timestamp", name)
		}
	}

	writeEnvelopeWS(t, agent, v1.Envelope{
		Type:           v1.TypeMessage,
		ConversationID: "conv-1",
		Message:        "hi, how can I help?",
		SenderName:     "Bob",
		SenderType:     v1.SenderAgent,
		ClientMsgID:    "c-2",
	})

	got := readUntilType(t, visitor, v1.TypeMessage, 2)
	if got.Seq != 2 || got.AgentID != "agent-7" || got.SenderType != v1.SenderAgent {
		t.Fatalf("unexpected agent message %+v", got)
	}
}

func TestWSGateway_AgentJoin_TokenChecks(t *testing.T) {
	f := newGatewayFixture(t, true)

	cases := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "v4.public.garbage"},
		{name: "other_agent", token: f.token(t, "agent-8", "company-1")},
		{name: "other_company", token: f.token(t, "agent-7", "company-2")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := f.dial(t, "")
			got := joinAgent(t, conn, "conv-"+tc.name, tc.token)
			if got.Type != v1.TypeError {
				t.Fatalf("expected error, got %+v", got)
			}
			if _, err := f.st.GetConversation(context.Background(), "conv-"+tc.name); !store.IsNotFound(err) {
				t.Fatalf("conversation must not be created on rejected join, err=%v", err)
			}
		})
	}
}

func TestWSGateway_AgentJoin_UnverifiedWithoutVerifier(t *testing.T) {
	f := newGatewayFixture(t, false)
	conn := f.dial(t, "")

	if got := joinAgent(t, conn, "conv-1", ""); got.Type != v1.TypeJoined {
		t.Fatalf("expected joined, got %+v", got)
	}
}

func TestWSGateway_Join_OtherCompanyRejected(t *testing.T) {
	f := newGatewayFixture(t, false)

	if _, err := f.st.CreateConversation(context.Background(), v1.Conversation{ID: "conv-1", CompanyID: "company-2"}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	conn := f.dial(t, "")
	writeEnvelopeWS(t, conn, v1.NewJoin("conv-1", "company-1"))

	got := readWS(t, conn)
	if got.Type != v1.TypeError || !strings.Contains(got.Message, "another company") {
		t.Fatalf("expected company error, got %+v", got)
	}
}

func TestWSGateway_TypingRelayedToOthersOnly(t *testing.T) {
	f := newGatewayFixture(t, false)
	a := f.dial(t, "")
	b := f.dial(t, "")

	joinVisitor(t, a, "conv-1")
	joinVisitor(t, b, "conv-1")

	writeEnvelopeWS(t, a, v1.Envelope{
		Type:           v1.TypeTyping,
		ConversationID: "conv-1",
		SenderName:     "Alice",
		SenderType:     v1.SenderVisitor,
	})

	got := readWS(t, b)
	if got.Type != v1.TypeTyping || got.SenderName != "Alice" {
		t.Fatalf("expected typing from Alice, got %+v", got)
	}

	// The sender's next frame is its own message, not its typing echo.
	writeEnvelopeWS(t, a, v1.Envelope{
		Type:           v1.TypeMessage,
		ConversationID: "conv-1",
		Message:        "ping",
		SenderType:     v1.SenderVisitor,
		ClientMsgID:    "c-1",
	})
	if got := readWS(t, a); got.Type != v1.TypeMessage {
		t.Fatalf("sender received %+v", got)
	}
}

func TestWSGateway_DuplicateMessage_EchoedToSenderOnly(t *testing.T) {
	f := newGatewayFixture(t, false)
	conn := f.dial(t, "")
	joinVisitor(t, conn, "conv-1")

	msg := v1.Envelope{
		Type:           v1.TypeMessage,
		ConversationID: "conv-1",
		Message:        "hello",
		SenderType:     v1.SenderVisitor,
		ClientMsgID:    "c-1",
	}
	writeEnvelopeWS(t, conn, msg)
	first := readUntilType(t, conn, v1.TypeMessage, 1)

	writeEnvelopeWS(t, conn, msg)
	second := readUntilType(t, conn, v1.TypeMessage, 1)

	if first.MessageID != second.MessageID || second.Seq != 1 {
		t.Fatalf("duplicate must echo the stored message: first=%+v second=%+v", first, second)
	}

	seq, err := f.st.LastSeq(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected one stored message, last seq=%d", seq)
	}
}

func TestWSGateway_StoreInsertReachesRoom(t *testing.T) {
	f := newGatewayFixture(t, false)
	conn := f.dial(t, "")
	joinVisitor(t, conn, "conv-1")

	// Same path the REST fallback uses.
	_, err := f.st.InsertMessage(context.Background(), store.InsertMessageInput{
		NewMessage: v1.NewMessage{
			ConversationID: "conv-1",
			SenderType:     v1.SenderVisitor,
			SenderName:     "Alice",
			Message:        "via rest",
		},
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	got := readWS(t, conn)
	if got.Type != v1.TypeMessage || got.Message != "via rest" {
		t.Fatalf("expected fanned out message, got %+v", got)
	}
	if n := testutil.ToFloat64(f.metrics.broadcasts); n != 1 {
		t.Fatalf("expected 1 broadcast, got %v", n)
	}
}

func TestWSGateway_Errors(t *testing.T) {
	cases := []struct {
		name  string
		join  bool
		frame string
		want  string
	}{
		{name: "bad_json", frame: `{"type":`, want: "invalid JSON"},
		{name: "unknown_type", frame: `{"type":"nope"}`, want: "unknown type"},
		{name: "message_before_join", frame: `{"type":"message","conversationId":"conv-1","message":"x","senderType":"visitor"}`, want: "join first"},
		{name: "other_conversation", join: true, frame: `{"type":"message","conversationId":"conv-2","message":"x","senderType":"visitor"}`, want: "not joined"},
		{name: "agent_sender_as_visitor", join: true, frame: `{"type":"message","conversationId":"conv-1","message":"x","senderType":"agent"}`, want: "agent join"},
		{name: "too_long", join: true, frame: `{"type":"message","conversationId":"conv-1","message":"` + strings.Repeat("x", v1.MaxMessageChars+1) + `","senderType":"visitor"}`, want: "too long"},
		{name: "server_type", join: true, frame: `{"type":"joined","conversationId":"conv-1"}`, want: "unsupported"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newGatewayFixture(t, false)
			conn := f.dial(t, "")
			if tc.join {
				joinVisitor(t, conn, "conv-1")
			}

			writeRawWS(t, conn, []byte(tc.frame))
			got := readWS(t, conn)
			if got.Type != v1.TypeError || !strings.Contains(got.Message, tc.want) {
				t.Fatalf("expected error containing %q, got %+v", tc.want, got)
			}
		})
	}
}

func TestWSGateway_ClosedConversationRejectsMessages(t *testing.T) {
	f := newGatewayFixture(t, false)
	conn := f.dial(t, "")
	joinVisitor(t, conn, "conv-1")

	if _, err := f.st.UpdateConversationStatus(context.Background(), "conv-1", v1.StatusClosed); err != nil {
		t.Fatalf("UpdateConversationStatus: %v", err)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{
		Type:           v1.TypeMessage,
		ConversationID: "conv-1",
		Message:        "anyone?",
		SenderType:     v1.SenderVisitor,
	})
	got := readWS(t, conn)
	if got.Type != v1.TypeError || !strings.Contains(got.Message, "closed") {
		t.Fatalf("expected closed error, got %+v", got)
	}
}

func TestWSGateway_RoomClosesWhenLastMemberLeaves(t *testing.T) {
	f := newGatewayFixture(t, false)
	conn := f.dial(t, "")
	joinVisitor(t, conn, "conv-1")

	// Switching rooms releases the old one.
	joinVisitor(t, conn, "conv-2")
	if _, ok := f.hub.Room("conv-1"); ok {
		t.Fatalf("conv-1 room must be closed after switching")
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for f.hub.Rooms() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("rooms not released: %d", f.hub.Rooms())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSGateway_OriginRejected(t *testing.T) {
	f := newGatewayFixture(t, false)

	_, resp, err := dialWS(t, f.srv.URL, "https://evil.test")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}

	conn := f.dial(t, "https://widget.leazr.test")
	joinVisitor(t, conn, "conv-1")
}

func TestWSGateway_QuietSessionStaysOpenWhileAnsweringPings(t *testing.T) {
	f := newGatewayFixture(t, false, func(c *GatewayConfig) {
		c.ReadIdleTimeout = 200 * time.Millisecond
		c.HeartbeatInterval = 40 * time.Millisecond
	})
	conn := f.dial(t, "")
	joinVisitor(t, conn, "conv-1")

	// A reader must be running for the client side to answer pings.
	frames := make(chan v1.Envelope, 8)
	go func() {
		defer close(frames)
		for {
			_, b, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			if env, err := v1.Decode(b); err == nil {
				frames <- env
			}
		}
	}()

	time.Sleep(600 * time.Millisecond)

	writeEnvelopeWS(t, conn, v1.Envelope{
		Type:           v1.TypeMessage,
		ConversationID: "conv-1",
		Message:        "still here",
		SenderName:     "Alice",
		SenderType:     v1.SenderVisitor,
	})

	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-frames:
			if !ok {
				t.Fatalf("session closed while the peer was answering pings")
			}
			if env.Type == v1.TypeMessage && env.Message == "still here" {
				return
			}
		case <-timeout:
			t.Fatalf("no message echo after idle period")
		}
	}
}

func TestWSGateway_UnresponsivePeerIsClosedAfterIdle(t *testing.T) {
	f := newGatewayFixture(t, false, func(c *GatewayConfig) {
		c.ReadIdleTimeout = 150 * time.Millisecond
		c.HeartbeatInterval = 40 * time.Millisecond
		c.HeartbeatTimeout = 20 * time.Millisecond
	})
	conn := f.dial(t, "")
	joinVisitor(t, conn, "conv-1")

	// Without a reader the client never answers pings.
	time.Sleep(700 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if ctx.Err() != nil {
				t.Fatalf("expected server to close the idle session")
			}
			return
		}
	}
}
