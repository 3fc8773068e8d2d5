package v1

import "testing"

func TestFilterMatches(t *testing.T) {
	msg := Change{Table: TableMessages, Op: OpInsert, Message: &Message{ConversationID: "c1"}}
	upd := Change{Table: TableConversations, Op: OpUpdate, Conversation: &Conversation{ID: "c1"}}
	ins := Change{Table: TableConversations, Op: OpInsert, Conversation: &Conversation{ID: "c1"}}

	cases := []struct {
		name   string
		filter Filter
		change Change
		want   bool
	}{
		{name: "message_insert", filter: MessageInserts("c1"), change: msg, want: true},
		{name: "message_other_conversation", filter: MessageInserts("c2"), change: msg},
		{name: "conversation_update", filter: ConversationUpdates("c1"), change: upd, want: true},
		{name: "conversation_insert_not_update", filter: ConversationUpdates("c1"), change: ins},
		{name: "table_mismatch", filter: MessageInserts("c1"), change: upd},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(tc.change); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterValidate(t *testing.T) {
	if err := MessageInserts("c1").Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := []Filter{
		{Table: "users", Op: OpInsert, ConversationID: "c1"},
		{Table: TableMessages, Op: "DELETE", ConversationID: "c1"},
		{Table: TableMessages, Op: OpInsert, ConversationID: " "},
	}
	for i, f := range bad {
		if err := f.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
