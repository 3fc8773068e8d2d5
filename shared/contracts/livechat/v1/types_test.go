package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "missing_type", env: Envelope{}, wantErr: "type"},
		{name: "unknown_type", env: Envelope{Type: "hello"}, wantErr: "unknown type"},
		{name: "join_ok", env: NewJoin("c1", "co1")},
		{name: "join_no_conversation", env: NewJoin(" ", "co1"), wantErr: "conversationId"},
		{name: "join_no_company", env: NewJoin("c1", ""), wantErr: "companyId"},
		{name: "joined_ok", env: NewJoined("c1")},
		{name: "message_ok", env: Envelope{Type: TypeMessage, ConversationID: "c1", Message: "hi", SenderType: SenderVisitor}},
		{name: "message_blank", env: Envelope{Type: TypeMessage, ConversationID: "c1", Message: "  ", SenderType: SenderVisitor}, wantErr: "message"},
		{name: "message_bad_sender", env: Envelope{Type: TypeMessage, ConversationID: "c1", Message: "hi", SenderType: "bot"}, wantErr: "senderType"},
		{name: "typing_ok_without_sender", env: Envelope{Type: TypeTyping, ConversationID: "c1"}},
		{name: "typing_bad_sender", env: Envelope{Type: TypeTyping, ConversationID: "c1", SenderType: "bot"}, wantErr: "senderType"},
		{name: "error_ok", env: NewError("boom")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	env := MessageEnvelope(Message{
		ID:             "m1",
		ConversationID: "c1",
		Seq:            3,
		SenderType:     SenderAgent,
		SenderID:       "a1",
		SenderName:     "Bob",
		Message:        "hi",
		ClientMsgID:    "cm1",
		CreatedAt:      ts,
	})

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := map[string]any{
		"type":           "message",
		"conversationId": "c1",
		"messageId":      "m1",
		"clientMsgId":    "cm1",
		"seq":            float64(3),
		"senderName":     "Bob",
		"senderType":     "agent",
		"agentId":        "a1",
		"message":        "hi",
		"timestamp":      "2026-05-01T10:00:00Z",
	}
	if len(raw) != len(want) {
		t.Fatalf("unexpected keys: %v", raw)
	}
	for k, v := range want {
		if raw[k] != v {
			t.Fatalf("%s = %v, want %v", k, raw[k], v)
		}
	}

	// Zero timestamps are omitted from client frames.
	b, err = json.Marshal(NewJoin("c1", "co1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "timestamp") {
		t.Fatalf("join must not carry a timestamp: %s", b)
	}
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"typing","conversationId":"c1","senderName":"Alice"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeTyping || env.SenderName != "Alice" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
