package chatclient

import (
	"sync"

	v1 "leazr/shared/contracts/livechat/v1"
)

// TransportKind names the adapter currently serving the facade.
type TransportKind string

const (
	TransportNone     TransportKind = ""
	TransportSocket   TransportKind = "socket"
	TransportFallback TransportKind = "fallback"
)

// Snapshot is an immutable copy of the widget-facing state.
type Snapshot struct {
	Messages             map[string][]v1.Message
	ActiveConversationID string
	Conversation         *v1.Conversation
	Connected            bool
	Loading              bool
	Err                  string
	Transport            TransportKind
	Typing               bool
	RemoteTyping         string
}

// State is the in-memory transport state owned by one facade.
//
// Messages are kept per conversation in arrival order and de-duplicated by id and
// client_msg_id, so a socket echo and a store notification of the same message can
// never produce two entries.
type State struct {
	mu sync.Mutex

	messages     map[string][]v1.Message
	seen         map[string]map[string]struct{}
	activeID     string
	conversation *v1.Conversation
	connected    bool
	loading      int
	err          string
	transport    TransportKind
	typing       bool
	remoteTyping string

	onChange func(Snapshot)
}

// NewState constructs an empty State. onChange, if set, receives a snapshot after every
// mutation; it runs outside the state lock.
func NewState(onChange func(Snapshot)) *State {
	return &State{
		messages: make(map[string][]v1.Message),
		seen:     make(map[string]map[string]struct{}),
		onChange: onChange,
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Messages returns a copy of the messages of one conversation.
func (s *State) Messages(conversationID string) []v1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.Message(nil), s.messages[conversationID]...)
}

// AppendMessage appends m unless it is already known. It reports whether m was added.
func (s *State) AppendMessage(m v1.Message) bool {
	added := false
	s.update(func() {
		seen := s.seenLocked(m.ConversationID)
		if isSeen(seen, m) {
			return
		}
		markSeen(seen, m)
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
		added = true
	})
	return added
}

// MergeMessages installs a persisted history for one conversation. Messages already in
// state that the history does not contain are kept after it, in their arrival order.
func (s *State) MergeMessages(conversationID string, history []v1.Message) {
	s.update(func() {
		seen := make(map[string]struct{}, len(history))
		out := make([]v1.Message, 0, len(history)+len(s.messages[conversationID]))
		for _, m := range history {
			if isSeen(seen, m) {
				continue
			}
			markSeen(seen, m)
			out = append(out, m)
		}
		for _, m := range s.messages[conversationID] {
			if isSeen(seen, m) {
				continue
			}
			markSeen(seen, m)
			out = append(out, m)
		}
		s.messages[conversationID] = out
		s.seen[conversationID] = seen
	})
}

// SetActiveConversation records the conversation the widget is showing.
func (s *State) SetActiveConversation(id string) {
	s.update(func() {
		s.activeID = id
		if s.conversation != nil && s.conversation.ID != id {
			s.conversation = nil
		}
	})
}

// SetConversation stores the latest known conversation row.
func (s *State) SetConversation(c v1.Conversation) {
	s.update(func() {
		cp := c
		s.conversation = &cp
	})
}

// SetConnected sets the connected flag.
func (s *State) SetConnected(on bool) {
	s.update(func() { s.connected = on })
}

// BeginLoading marks an operation in flight; the returned func ends it.
// Loading stays true while any operation is in flight.
func (s *State) BeginLoading() func() {
	s.update(func() { s.loading++ })

	var once sync.Once
	return func() {
		once.Do(func() {
			s.update(func() {
				if s.loading > 0 {
					s.loading--
				}
			})
		})
	}
}

// SetError writes the user-visible error string.
func (s *State) SetError(msg string) {
	s.update(func() { s.err = msg })
}

// ClearError clears the user-visible error string.
func (s *State) ClearError() {
	s.SetError("")
}

// SetTransport records which adapter is active.
func (s *State) SetTransport(k TransportKind) {
	s.update(func() { s.transport = k })
}

// SetTyping sets the local "is typing" flag.
func (s *State) SetTyping(on bool) {
	s.update(func() { s.typing = on })
}

// SetRemoteTyping sets the name of the remote party currently typing ("" for none).
func (s *State) SetRemoteTyping(name string) {
	s.update(func() { s.remoteTyping = name })
}

func (s *State) update(fn func()) {
	s.mu.Lock()
	fn()
	var snap Snapshot
	notify := s.onChange != nil
	if notify {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if notify {
		s.onChange(snap)
	}
}

func (s *State) snapshotLocked() Snapshot {
	msgs := make(map[string][]v1.Message, len(s.messages))
	for id, list := range s.messages {
		msgs[id] = append([]v1.Message(nil), list...)
	}

	var conv *v1.Conversation
	if s.conversation != nil {
		cp := *s.conversation
		conv = &cp
	}

	return Snapshot{
		Messages:             msgs,
		ActiveConversationID: s.activeID,
		Conversation:         conv,
		Connected:            s.connected,
		Loading:              s.loading > 0,
		Err:                  s.err,
		Transport:            s.transport,
		Typing:               s.typing,
		RemoteTyping:         s.remoteTyping,
	}
}

func (s *State) seenLocked(conversationID string) map[string]struct{} {
	seen := s.seen[conversationID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.seen[conversationID] = seen
	}
	return seen
}

func isSeen(seen map[string]struct{}, m v1.Message) bool {
	if _, ok := seen["id:"+m.ID]; ok && m.ID != "" {
		return true
	}
	if m.ClientMsgID != "" {
		if _, ok := seen["cm:"+m.ClientMsgID]; ok {
			return true
		}
	}
	return false
}

func markSeen(seen map[string]struct{}, m v1.Message) {
	if m.ID != "" {
		seen["id:"+m.ID] = struct{}{}
	}
	if m.ClientMsgID != "" {
		seen["cm:"+m.ClientMsgID] = struct{}{}
	}
}
