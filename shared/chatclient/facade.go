// Package chatclient is the client transport of the Leazr live chat widget.
//
// A Facade tries a direct socket connection to the chat server first and falls back,
// permanently for the life of the instance, to a realtime channel over the hosted store
// when the socket cannot be used. UI code only ever talks to the Facade.
package chatclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultTypingDecay    = 3 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultOpTimeout      = 15 * time.Second
)

// Config configures a Facade.
type Config struct {
	CompanyID string

	// SocketURL is the ws:// or wss:// endpoint. Empty disables the socket path.
	SocketURL string
	Origin    string

	VisitorID  string
	AgentID    string
	AgentToken string

	ReconnectDelay time.Duration
	TypingDecay    time.Duration
	DialTimeout    time.Duration

	// OpTimeout bounds every store call and socket write.
	OpTimeout time.Duration

	Logger   *slog.Logger
	OnChange func(Snapshot)
}

// Option customizes a Facade beyond Config.
type Option func(*Facade)

// withAfterFunc replaces the timer source.
func withAfterFunc(fn afterFunc) Option {
	return func(f *Facade) { f.after = fn }
}

// route is the active transport. Exactly one variant is live at a time, and once the
// facade holds a fallbackRoute it never goes back.
type route interface {
	kind() TransportKind
}

// socketRoute owns the current socket (nil before the first open and after Disconnect).
type socketRoute struct {
	sock *SocketAdapter
}

// fallbackRoute routes everything through the realtime channel.
type fallbackRoute struct {
	ch *ChannelAdapter
}

func (socketRoute) kind() TransportKind   { return TransportSocket }
func (fallbackRoute) kind() TransportKind { return TransportFallback }

type opKind int

const (
	opConnect opKind = iota
	opCreate
)

// pendingOp is the operation a socket attempt was made for; it is re-issued against the
// channel when the socket falls through.
type pendingOp struct {
	kind opKind
	conv v1.Conversation
}

// Facade is the connection-agnostic chat transport used by the widget.
type Facade struct {
	cfg     Config
	log     *slog.Logger
	state   *State
	channel *ChannelAdapter
	after   afterFunc

	localTyping  *decayValue
	remoteTyping *decayValue

	mu           sync.Mutex
	route        route
	conv         v1.Conversation // last conversation and visitor identity, for reconnects
	pending      *pendingOp
	reconnect    stopper
	disconnected bool
}

// New constructs a Facade over st. It does not connect.
func New(cfg Config, st Store, opts ...Option) (*Facade, error) {
	if strings.TrimSpace(cfg.CompanyID) == "" {
		return nil, errors.New("chatclient: missing company id")
	}
	if st == nil {
		return nil, errors.New("chatclient: nil store")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.TypingDecay <= 0 {
		cfg.TypingDecay = DefaultTypingDecay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	f := &Facade{
		cfg:   cfg,
		log:   log,
		state: NewState(cfg.OnChange),
		after: realAfterFunc,
		route: socketRoute{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	f.channel = NewChannelAdapter(st, f.state, log)
	f.localTyping = newDecayValue(f.after, cfg.TypingDecay, func(v string) { f.state.SetTyping(v != "") })
	f.remoteTyping = newDecayValue(f.after, cfg.TypingDecay, f.state.SetRemoteTyping)

	if strings.TrimSpace(cfg.SocketURL) == "" {
		f.route = fallbackRoute{ch: f.channel}
		f.state.SetTransport(TransportFallback)
	}
	return f, nil
}

// State returns the state the facade writes into.
func (f *Facade) State() *State { return f.state }

// Snapshot is shorthand for State().Snapshot().
func (f *Facade) Snapshot() Snapshot { return f.state.Snapshot() }

// Transport reports the active transport kind.
func (f *Facade) Transport() TransportKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.route.kind()
}

// Connect joins conversationID. Visitor name and email are remembered for reconnects;
// empty values keep the previously supplied ones.
func (f *Facade) Connect(ctx context.Context, conversationID, visitorName, visitorEmail string) error {
	const op = "Connect"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return f.fail(op, ErrInvalidInput, errors.New("missing conversation id"))
	}

	f.mu.Lock()
	f.disconnected = false
	f.rememberLocked(conversationID, visitorName, visitorEmail)
	p := pendingOp{kind: opConnect, conv: f.conv}
	r := f.route
	f.mu.Unlock()

	done := f.state.BeginLoading()
	defer done()

	ctx, cancel := f.opContext(ctx)
	defer cancel()

	if fb, ok := r.(fallbackRoute); ok {
		if err := fb.ch.Connect(ctx, conversationID); err != nil {
			return f.fail(op, ErrStore, err)
		}
		return nil
	}
	return f.connectSocket(ctx, p)
}

// CreateConversation creates a conversation for a new visitor and joins it. It returns
// the client-generated conversation id.
func (f *Facade) CreateConversation(ctx context.Context, visitorName, visitorEmail string) (string, error) {
	const op = "CreateConversation"

	visitorName = strings.TrimSpace(visitorName)
	if visitorName == "" {
		return "", f.fail(op, ErrInvalidInput, errors.New("missing visitor name"))
	}

	id := uuid.NewString()

	f.mu.Lock()
	f.disconnected = false
	f.conv = v1.Conversation{}
	f.rememberLocked(id, visitorName, visitorEmail)
	p := pendingOp{kind: opCreate, conv: f.conv}
	r := f.route
	f.mu.Unlock()

	done := f.state.BeginLoading()
	defer done()

	ctx, cancel := f.opContext(ctx)
	defer cancel()

	switch r := r.(type) {
	case fallbackRoute:
		if _, err := r.ch.CreateConversation(ctx, p.conv); err != nil {
			return "", f.fail(op, ErrStore, err)
		}
		return id, nil

	case socketRoute:
		if r.sock != nil && r.sock.State() == SocketOpen {
			f.setPending(&p)
			if err := r.sock.Send(ctx, f.joinEnvelope(p.conv)); err == nil {
				f.state.SetActiveConversation(id)
				return id, nil
			}
			if err := f.fallBack(ctx, r.sock, p); err != nil {
				return "", err
			}
			return id, nil
		}
		if err := f.connectSocket(ctx, p); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", f.fail(op, ErrNotConnected, nil)
}

// SendMessage sends one message on the active transport.
func (f *Facade) SendMessage(ctx context.Context, conversationID, body, senderName string, senderType v1.SenderType) error {
	const op = "SendMessage"

	conversationID = strings.TrimSpace(conversationID)
	body = strings.TrimSpace(body)
	if conversationID == "" || body == "" {
		return f.fail(op, ErrInvalidInput, errors.New("missing conversation id or message"))
	}
	if !senderType.Valid() {
		return f.fail(op, ErrInvalidInput, errors.New("invalid sender type"))
	}

	ctx, cancel := f.opContext(ctx)
	defer cancel()

	clientMsgID := ulid.Make().String()
	f.localTyping.Clear()

	switch r := f.currentRoute().(type) {
	case fallbackRoute:
		m := v1.NewMessage{
			ConversationID: conversationID,
			SenderType:     senderType,
			SenderName:     senderName,
			Message:        body,
			MessageType:    v1.MessageText,
			ClientMsgID:    clientMsgID,
		}
		if senderType == v1.SenderAgent {
			m.SenderID = f.cfg.AgentID
		}
		if _, err := r.ch.SendMessage(ctx, m); err != nil {
			return f.fail(op, ErrStore, err)
		}
		return nil

	case socketRoute:
		if r.sock == nil {
			return f.fail(op, ErrNotConnected, nil)
		}
		env := v1.Envelope{
			Type:           v1.TypeMessage,
			ConversationID: conversationID,
			Message:        body,
			ClientMsgID:    clientMsgID,
			SenderName:     senderName,
			SenderType:     senderType,
		}
		if senderType == v1.SenderAgent {
			env.AgentID = f.cfg.AgentID
		}
		if err := r.sock.Send(ctx, env); err != nil {
			return f.fail(op, ErrNotConnected, err)
		}
		return nil
	}
	return f.fail(op, ErrNotConnected, nil)
}

// SendTyping marks the local user as typing and, on the socket, tells the other side.
// The flag clears after TypingDecay without further calls.
func (f *Facade) SendTyping(ctx context.Context, conversationID, senderName string, senderType v1.SenderType) error {
	const op = "SendTyping"

	f.localTyping.Touch("typing")

	sr, ok := f.currentRoute().(socketRoute)
	if !ok {
		return nil
	}
	if sr.sock == nil {
		return f.fail(op, ErrNotConnected, nil)
	}

	ctx, cancel := f.opContext(ctx)
	defer cancel()

	env := v1.Envelope{
		Type:           v1.TypeTyping,
		ConversationID: strings.TrimSpace(conversationID),
		SenderName:     senderName,
		SenderType:     senderType,
	}
	if err := sr.sock.Send(ctx, env); err != nil {
		return f.fail(op, ErrNotConnected, err)
	}
	return nil
}

// LoadMessages reads the persisted history from the hosted store, whichever transport
// is active, and merges it into state.
func (f *Facade) LoadMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	const op = "LoadMessages"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, f.fail(op, ErrInvalidInput, errors.New("missing conversation id"))
	}

	done := f.state.BeginLoading()
	defer done()

	ctx, cancel := f.opContext(ctx)
	defer cancel()

	msgs, err := f.channel.LoadMessages(ctx, conversationID)
	if err != nil {
		return nil, f.fail(op, ErrStore, err)
	}
	return msgs, nil
}

// Disconnect stops timers, closes the active transport and clears the connected flag.
// Safe to call repeatedly or before any connect.
func (f *Facade) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.stopReconnectLocked()
	f.pending = nil
	var sock *SocketAdapter
	if sr, ok := f.route.(socketRoute); ok {
		sock = sr.sock
		f.route = socketRoute{}
	}
	f.mu.Unlock()

	f.localTyping.Clear()
	f.remoteTyping.Clear()

	if sock != nil {
		sock.Close()
	}
	f.channel.Close()
	f.state.SetConnected(false)
}

func (f *Facade) connectSocket(ctx context.Context, p pendingOp) error {
	sock := newSocketAdapter(f.cfg.SocketURL, f.cfg.Origin, f.log, f.state, f.remoteTyping, socketEvents{
		joined: f.onSocketJoined,
		down:   f.onSocketDown,
	})

	f.mu.Lock()
	if fb, ok := f.route.(fallbackRoute); ok {
		f.mu.Unlock()
		return f.reissue(ctx, fb.ch, p)
	}
	f.stopReconnectLocked()
	var old *SocketAdapter
	if sr, ok := f.route.(socketRoute); ok {
		old = sr.sock
	}
	f.route = socketRoute{sock: sock}
	f.pending = &p
	f.mu.Unlock()

	if old != nil {
		old.Close()
	}

	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	err := sock.Open(dialCtx)
	cancel()
	if err != nil {
		f.log.Info("chatclient.socket.open_fail", "url", f.cfg.SocketURL, "err", err)
		return f.fallBack(ctx, sock, p)
	}

	f.state.SetConnected(true)
	f.state.SetTransport(TransportSocket)
	f.state.SetActiveConversation(p.conv.ID)

	if err := sock.Send(ctx, f.joinEnvelope(p.conv)); err != nil {
		f.log.Info("chatclient.socket.join_fail", "err", err)
		return f.fallBack(ctx, sock, p)
	}
	return nil
}

// fallBack switches to the channel for good and re-issues p there. from is the socket
// that failed; a failure of an already-replaced socket is ignored.
func (f *Facade) fallBack(ctx context.Context, from *SocketAdapter, p pendingOp) error {
	f.mu.Lock()
	switch r := f.route.(type) {
	case fallbackRoute:
		f.mu.Unlock()
		return f.reissue(ctx, r.ch, p)
	case socketRoute:
		if r.sock != from {
			f.mu.Unlock()
			return nil
		}
	}
	f.route = fallbackRoute{ch: f.channel}
	f.stopReconnectLocked()
	f.pending = nil
	f.mu.Unlock()

	if from != nil {
		from.Close()
	}

	f.log.Info("chatclient.fallback", "conversation_id", p.conv.ID, "company_id", f.cfg.CompanyID)

	// The switch is invisible to the user.
	f.state.ClearError()
	f.state.SetTransport(TransportFallback)

	return f.reissue(ctx, f.channel, p)
}

func (f *Facade) reissue(ctx context.Context, ch *ChannelAdapter, p pendingOp) error {
	switch p.kind {
	case opCreate:
		if _, err := ch.CreateConversation(ctx, p.conv); err != nil {
			return f.fail("CreateConversation", ErrStore, err)
		}
	default:
		if err := ch.Connect(ctx, p.conv.ID); err != nil {
			return f.fail("Connect", ErrStore, err)
		}
	}
	return nil
}

func (f *Facade) onSocketJoined(sock *SocketAdapter, conversationID string) {
	f.mu.Lock()
	sr, ok := f.route.(socketRoute)
	if !ok || sr.sock != sock {
		f.mu.Unlock()
		return
	}
	f.pending = nil
	f.mu.Unlock()

	f.state.SetActiveConversation(conversationID)
	f.log.Info("chatclient.socket.joined", "conversation_id", conversationID)
}

func (f *Facade) onSocketDown(sock *SocketAdapter, err error, joined, clean bool) {
	f.mu.Lock()
	sr, ok := f.route.(socketRoute)
	if !ok || sr.sock != sock || f.disconnected {
		f.mu.Unlock()
		return
	}

	// Once joined, any loss gets one delayed reconnect; the retry falls back if it fails.
	if joined {
		f.stopReconnectLocked()
		f.reconnect = f.after(f.cfg.ReconnectDelay, func() { f.reconnectFrom(sock) })
		f.mu.Unlock()

		f.state.SetConnected(false)
		f.log.Info("chatclient.socket.reconnect_scheduled", "in", f.cfg.ReconnectDelay.String(), "clean", clean)
		return
	}

	p := pendingOp{kind: opConnect, conv: f.conv}
	if f.pending != nil {
		p = *f.pending
	}
	f.mu.Unlock()

	f.state.SetConnected(false)

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.OpTimeout)
	defer cancel()
	_ = f.fallBack(ctx, sock, p)
}

func (f *Facade) reconnectFrom(prev *SocketAdapter) {
	f.mu.Lock()
	f.reconnect = nil
	sr, ok := f.route.(socketRoute)
	if !ok || f.disconnected || f.conv.ID == "" {
		f.mu.Unlock()
		return
	}
	if sr.sock != nil && sr.sock != prev && sr.sock.State() == SocketOpen {
		f.mu.Unlock()
		return
	}
	p := pendingOp{kind: opConnect, conv: f.conv}
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.OpTimeout)
	defer cancel()

	done := f.state.BeginLoading()
	defer done()

	if err := f.connectSocket(ctx, p); err != nil {
		f.log.Warn("chatclient.socket.reconnect_fail", "err", err)
	}
}

func (f *Facade) joinEnvelope(c v1.Conversation) v1.Envelope {
	return v1.Envelope{
		Type:           v1.TypeJoin,
		ConversationID: c.ID,
		CompanyID:      f.cfg.CompanyID,
		VisitorID:      c.VisitorID,
		VisitorName:    c.VisitorName,
		VisitorEmail:   c.VisitorEmail,
		AgentID:        f.cfg.AgentID,
		Token:          f.cfg.AgentToken,
	}
}

func (f *Facade) rememberLocked(conversationID, visitorName, visitorEmail string) {
	f.conv.ID = conversationID
	f.conv.CompanyID = f.cfg.CompanyID
	f.conv.VisitorID = f.cfg.VisitorID
	f.conv.Status = v1.StatusWaiting
	if n := strings.TrimSpace(visitorName); n != "" {
		f.conv.VisitorName = n
	}
	if e := strings.TrimSpace(visitorEmail); e != "" {
		f.conv.VisitorEmail = e
	}
}

func (f *Facade) currentRoute() route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.route
}

func (f *Facade) setPending(p *pendingOp) {
	f.mu.Lock()
	f.pending = p
	f.mu.Unlock()
}

func (f *Facade) stopReconnectLocked() {
	if f.reconnect != nil {
		f.reconnect.Stop()
		f.reconnect = nil
	}
}

func (f *Facade) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, f.cfg.OpTimeout)
}

// fail records err in state and returns it as an *OpError.
func (f *Facade) fail(op string, kind, err error) error {
	e := opErr(op, kind, err)

	f.state.SetError(userMessage(e))
	f.log.Warn("chatclient.op.fail", "op", op, "err", e)
	return e
}
