package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"leazr/cmd/internal/agentauth"
	"leazr/cmd/internal/ids"
	"leazr/cmd/internal/store"
	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// TokenVerifier checks agent access tokens presented on join.
type TokenVerifier interface {
	Verify(token string, now time.Time) (agentauth.Claims, error)
}

// WSGateway is the live chat socket endpoint.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the Hub and the Store.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	store    store.Store
	verifier TokenVerifier
	metrics  *Metrics
	cfg      GatewayConfig

	// websocket.Accept authorizes same-host origins only; cross-origin needs patterns.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway. verifier may be nil, in which case agent joins
// are accepted unverified.
func NewWSGateway(log *slog.Logger, hub *Hub, st store.Store, cfg GatewayConfig, verifier TokenVerifier) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		store:          st,
		verifier:       verifier,
		metrics:        hub.metrics,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// session is the per-connection join state.
type session struct {
	client *Client

	mu        sync.Mutex
	room      *Room
	companyID string
}

func (s *session) joined() (*Room, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.companyID
}

func (s *session) setRoom(room *Room, companyID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.room
	s.room = room
	s.companyID = companyID
	return prev
}

// ServeHTTP upgrades the request to a socket session and runs it.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.metrics.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.reject("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	sessionID, err := ids.NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	g.serve(r.Context(), conn, &session{client: NewClient(sessionID, g.cfg.SendQueueSize)})
}

func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, s *session) {
	client := s.client
	sessionID := client.SessionID

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Membership is removed before the client is closed so a
	// broadcaster never sends to a torn-down session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if prev := s.setRoom(nil, ""); prev != nil {
				g.hub.Leave(prev, sessionID)
			}
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// lastSeen is refreshed by inbound frames and answered pings; a quiet but
	// responsive peer is not idle.
	var lastSeen atomic.Int64
	touch := func() { lastSeen.Store(time.Now().UnixNano()) }
	touch()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				} else {
					failures = 0
					touch()
				}
				if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle.close", "session_id", sessionID, "idle_ms", idle.Milliseconds())
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		touch()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadFrame:
				g.metrics.reject("bad_frame")
				g.trySendError(client, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now()
		if !rl.Allow(now) {
			g.metrics.reject("rate_limited")
			g.trySendError(client, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		g.metrics.envelopeIn(env.Type)

		if err := env.Validate(); err != nil {
			g.metrics.reject("bad_envelope")
			g.trySendError(client, err.Error())
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeJoin:
			herr = g.onJoin(ctx, s, env, now)
		case v1.TypeMessage:
			herr = g.onMessage(ctx, s, env, now)
		case v1.TypeTyping:
			herr = g.onTyping(s, env)
		default:
			herr = fmt.Errorf("unsupported type: %s", env.Type)
		}
		if herr != nil {
			g.log.Info("ws.envelope.fail", "session_id", sessionID, "type", env.Type, "conversation_id", env.ConversationID, "err", herr)
			g.trySendError(client, herr.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	// A join may have completed while another goroutine was shutting down.
	if prev := s.setRoom(nil, ""); prev != nil {
		g.hub.Leave(prev, sessionID)
	}
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	client := s.client
	convID := strings.TrimSpace(env.ConversationID)
	companyID := strings.TrimSpace(env.CompanyID)
	agentID := strings.TrimSpace(env.AgentID)

	if agentID != "" {
		if err := g.verifyAgent(env, agentID, companyID, now); err != nil {
			g.metrics.reject("agent_auth")
			return err
		}
	}

	res, err := g.store.CreateConversation(ctx, v1.Conversation{
		ID:           convID,
		CompanyID:    companyID,
		VisitorID:    strings.TrimSpace(env.VisitorID),
		VisitorName:  env.VisitorName,
		VisitorEmail: env.VisitorEmail,
		Status:       v1.StatusWaiting,
	})
	if err != nil {
		if store.IsConflict(err) {
			g.metrics.reject("company_mismatch")
			return errors.New("conversation belongs to another company")
		}
		g.log.Error("ws.join.store.fail", "session_id", client.SessionID, "conversation_id", convID, "err", err)
		return errors.New("join failed")
	}

	if agentID != "" && res.Conversation.Status == v1.StatusWaiting {
		if _, err := g.store.UpdateConversationStatus(ctx, convID, v1.StatusActive); err != nil {
			g.log.Error("ws.join.activate.fail", "session_id", client.SessionID, "conversation_id", convID, "err", err)
			return errors.New("join failed")
		}
	}
	client.setAgentID(agentID)

	current, _ := s.joined()
	if current == nil || current.ID != convID {
		room, err := g.hub.Join(convID, client)
		if err != nil {
			g.log.Error("ws.join.subscribe.fail", "session_id", client.SessionID, "conversation_id", convID, "err", err)
			return errors.New("join failed")
		}
		if prev := s.setRoom(room, companyID); prev != nil {
			g.hub.Leave(prev, client.SessionID)
		}
	} else {
		s.setRoom(current, companyID)
	}

	if !client.offer(v1.NewJoined(convID)) {
		return errors.New("backpressure: joined")
	}

	g.log.Info("ws.join", "session_id", client.SessionID, "conversation_id", convID, "company_id", companyID, "agent", agentID != "", "created", res.Created)
	return nil
}

func (g *WSGateway) verifyAgent(env v1.Envelope, agentID, companyID string, now time.Time) error {
	if g.verifier == nil {
		g.log.Warn("ws.agent.unverified", "agent_id", agentID, "company_id", companyID)
		return nil
	}

	claims, err := g.verifier.Verify(env.Token, now)
	if err != nil {
		return errors.New("invalid agent token")
	}
	if claims.AgentID != agentID || claims.CompanyID != companyID {
		return errors.New("agent token does not match join")
	}
	return nil
}

func (g *WSGateway) onMessage(ctx context.Context, s *session, env v1.Envelope, now time.Time) error {
	client := s.client
	room, _ := s.joined()
	if room == nil {
		return errors.New("join first")
	}
	if env.ConversationID != room.ID {
		return errors.New("not joined to conversation")
	}

	agentID := client.AgentID()
	switch {
	case env.SenderType == v1.SenderAgent && agentID == "":
		return errors.New("agent messages require an agent join")
	case env.SenderType == v1.SenderVisitor && agentID != "":
		return errors.New("sender type does not match session")
	}

	text := strings.TrimSpace(env.Message)
	if utf8.RuneCountInString(text) > v1.MaxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", v1.MaxMessageChars)
	}

	conv, err := g.store.GetConversation(ctx, room.ID)
	if err != nil {
		g.log.Error("ws.message.store.fail", "session_id", client.SessionID, "conversation_id", room.ID, "err", err)
		return errors.New("send failed")
	}
	if conv.Status == v1.StatusClosed {
		return errors.New("conversation is closed")
	}

	res, err := g.store.InsertMessage(ctx, store.InsertMessageInput{
		NewMessage: v1.NewMessage{
			ConversationID: room.ID,
			SenderType:     env.SenderType,
			SenderID:       agentID,
			SenderName:     env.SenderName,
			Message:        text,
			MessageType:    v1.MessageText,
			ClientMsgID:    env.ClientMsgID,
		},
		Now: now,
	})
	if err != nil {
		if store.IsInvalidInput(err) {
			return err
		}
		g.log.Error("ws.message.store.fail", "session_id", client.SessionID, "conversation_id", room.ID, "err", err)
		return errors.New("send failed")
	}

	// Fresh inserts reach the room through its store subscription. A retry only
	// needs the stored copy echoed back to the sender.
	if res.Duplicated && !client.offer(v1.MessageEnvelope(res.Message)) {
		return errors.New("backpressure: message")
	}
	return nil
}

func (g *WSGateway) onTyping(s *session, env v1.Envelope) error {
	room, _ := s.joined()
	if room == nil {
		return errors.New("join first")
	}
	if env.ConversationID != room.ID {
		return errors.New("not joined to conversation")
	}

	room.BroadcastExcept(v1.Envelope{
		Type:           v1.TypeTyping,
		ConversationID: room.ID,
		SenderName:     env.SenderName,
		SenderType:     env.SenderType,
	}, s.client.SessionID)
	return nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, msg string) {
	if !client.offer(v1.NewError(msg)) {
		g.metrics.dropped()
	}
}

// ---- envelope IO ----

// errBadFrame marks a frame that was read but could not be decoded.
type errBadFrame struct{ err error }

func (e errBadFrame) Error() string { return "bad frame: " + e.err.Error() }
func (e errBadFrame) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, errBadFrame{err: fmt.Errorf("unsupported message type: %v", mt)}
	}
	env, err := v1.Decode(data)
	if err != nil {
		return v1.Envelope{}, errBadFrame{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
)

func classifyReadErr(err error) readErrKind {
	var bad errBadFrame
	if errors.As(err, &bad) {
		return readErrBadFrame
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
