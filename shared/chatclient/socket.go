package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	maxFrameBytes      = 1 << 20 // 1MiB
	socketWriteTimeout = 5 * time.Second
)

// SocketState is the lifecycle state of one socket.
type SocketState int32

const (
	SocketIdle SocketState = iota
	SocketConnecting
	SocketOpen
	SocketClosed
	SocketFailed
)

func (s SocketState) String() string {
	switch s {
	case SocketIdle:
		return "idle"
	case SocketConnecting:
		return "connecting"
	case SocketOpen:
		return "open"
	case SocketClosed:
		return "closed"
	case SocketFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// socketEvents receives lifecycle events of a SocketAdapter. Calls carry the adapter so
// the owner can ignore events from a socket it has already replaced.
type socketEvents struct {
	joined func(s *SocketAdapter, conversationID string)

	// down fires once when the socket ends without Close being called.
	// clean is true when the server sent a close frame.
	down func(s *SocketAdapter, err error, joined, clean bool)
}

// SocketAdapter is one live socket connection to the chat server.
//
// Inbound message, typing and error frames are applied to the shared State; join
// acknowledgements and connection loss are reported to the owner through socketEvents.
type SocketAdapter struct {
	url    string
	origin string
	log    *slog.Logger
	state  *State
	typing *decayValue
	events socketEvents

	mu      sync.Mutex
	conn    *websocket.Conn
	st      SocketState
	joined  bool
	closing bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSocketAdapter(url, origin string, log *slog.Logger, state *State, typing *decayValue, events socketEvents) *SocketAdapter {
	return &SocketAdapter{
		url:    url,
		origin: origin,
		log:    log,
		state:  state,
		typing: typing,
		events: events,
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *SocketAdapter) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Joined reports whether the server acknowledged a join on this socket.
func (s *SocketAdapter) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Open dials the server and starts the read loop.
func (s *SocketAdapter) Open(ctx context.Context) error {
	const op = "socket.Open"

	s.mu.Lock()
	if s.st != SocketIdle {
		st := s.st
		s.mu.Unlock()
		return opErr(op, ErrTransport, errors.New("socket already "+st.String()))
	}
	s.st = SocketConnecting
	s.mu.Unlock()

	h := http.Header{}
	if strings.TrimSpace(s.origin) != "" {
		h.Set("Origin", s.origin)
	}

	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		s.st = SocketFailed
		s.mu.Unlock()
		close(s.done)
		return opErr(op, ErrTransport, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	readCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closing {
		// Close raced the dial.
		s.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		close(s.done)
		return opErr(op, ErrNotConnected, errors.New("socket closed while connecting"))
	}
	s.conn = conn
	s.st = SocketOpen
	s.cancel = cancel
	s.mu.Unlock()

	go s.readLoop(readCtx, conn)
	return nil
}

// Send writes one envelope. It fails with ErrNotConnected unless the socket is open.
func (s *SocketAdapter) Send(ctx context.Context, env v1.Envelope) error {
	const op = "socket.Send"

	s.mu.Lock()
	conn := s.conn
	open := s.st == SocketOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return opErr(op, ErrNotConnected, nil)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return opErr(op, ErrInvalidInput, err)
	}

	wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		return opErr(op, ErrTransport, err)
	}
	return nil
}

// Close closes the socket without reporting a down event. Safe to call repeatedly.
func (s *SocketAdapter) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn := s.conn
	cancel := s.cancel
	if s.st == SocketOpen || s.st == SocketConnecting {
		s.st = SocketClosed
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the read loop has exited.
func (s *SocketAdapter) Done() <-chan struct{} {
	return s.done
}

func (s *SocketAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.onReadErr(err)
			_ = conn.CloseNow()
			return
		}
		if typ != websocket.MessageText {
			s.log.Debug("chatclient.socket.skip_binary")
			continue
		}

		env, err := v1.Decode(data)
		if err != nil {
			s.log.Warn("chatclient.socket.bad_frame", "err", err)
			continue
		}
		s.handle(env)
	}
}

func (s *SocketAdapter) onReadErr(err error) {
	clean := websocket.CloseStatus(err) != -1

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	joined := s.joined
	if clean {
		s.st = SocketClosed
	} else {
		s.st = SocketFailed
	}
	s.mu.Unlock()

	s.log.Info("chatclient.socket.down",
		"clean", clean,
		"joined", joined,
		"status", int(websocket.CloseStatus(err)),
		"err", err,
	)

	if s.events.down != nil {
		s.events.down(s, err, joined, clean)
	}
}

func (s *SocketAdapter) handle(env v1.Envelope) {
	switch env.Type {
	case v1.TypeJoined:
		s.mu.Lock()
		s.joined = true
		s.mu.Unlock()

		s.log.Debug("chatclient.socket.joined", "conversation_id", env.ConversationID)
		if s.events.joined != nil {
			s.events.joined(s, env.ConversationID)
		}

	case v1.TypeMessage:
		if strings.TrimSpace(env.ConversationID) == "" {
			s.log.Warn("chatclient.socket.bad_message", "reason", "missing conversationId")
			return
		}
		s.state.AppendMessage(messageFromEnvelope(env, time.Now().UTC()))

	case v1.TypeTyping:
		name := strings.TrimSpace(env.SenderName)
		if name == "" {
			name = string(env.SenderType)
		}
		s.typing.Touch(name)

	case v1.TypeError:
		s.log.Warn("chatclient.socket.server_error", "message", env.Message)
		s.state.SetError(env.Message)

	default:
		s.log.Debug("chatclient.socket.unknown_type", "type", env.Type)
	}
}

// messageFromEnvelope normalizes an inbound message frame into a record. Frames the
// server did not persist get a provisional id so de-duplication still works.
func messageFromEnvelope(env v1.Envelope, now time.Time) v1.Message {
	id := env.MessageID
	if id == "" {
		id = "tmp-" + ulid.Make().String()
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = now
	}

	senderID := ""
	if env.SenderType == v1.SenderAgent {
		senderID = env.AgentID
	}

	return v1.Message{
		ID:             id,
		ConversationID: env.ConversationID,
		Seq:            env.Seq,
		SenderType:     env.SenderType,
		SenderID:       senderID,
		SenderName:     env.SenderName,
		Message:        env.Message,
		MessageType:    v1.MessageText,
		ClientMsgID:    env.ClientMsgID,
		CreatedAt:      ts,
	}
}
