package chatclient

import (
	"testing"
	"time"

	v1 "leazr/shared/contracts/livechat/v1"
)

func msg(id, clientMsgID, body string) v1.Message {
	return v1.Message{
		ID:             id,
		ConversationID: "c1",
		ClientMsgID:    clientMsgID,
		Message:        body,
		SenderType:     v1.SenderVisitor,
		CreatedAt:      time.Unix(1700000000, 0).UTC(),
	}
}

func bodies(ms []v1.Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Message)
	}
	return out
}

func TestState_AppendMessageDedupes(t *testing.T) {
	s := NewState(nil)

	if !s.AppendMessage(msg("m1", "", "a")) {
		t.Fatalf("first append rejected")
	}
	if s.AppendMessage(msg("m1", "", "a again")) {
		t.Fatalf("duplicate id accepted")
	}

	// Socket echo with a provisional id, then the store row with the real id.
	if !s.AppendMessage(msg("tmp-1", "cm-1", "b")) {
		t.Fatalf("provisional append rejected")
	}
	if s.AppendMessage(msg("m2", "cm-1", "b")) {
		t.Fatalf("same client_msg_id accepted twice")
	}

	got := bodies(s.Messages("c1"))
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("messages = %v, want [a b]", got)
	}
}

func TestState_MergeMessagesKeepsUnpersistedTail(t *testing.T) {
	s := NewState(nil)
	s.AppendMessage(msg("m2", "", "second"))
	s.AppendMessage(msg("tmp-9", "", "live only"))

	s.MergeMessages("c1", []v1.Message{msg("m1", "", "first"), msg("m2", "", "second")})

	got := bodies(s.Messages("c1"))
	want := []string{"first", "second", "live only"}
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}

	// The merged set still de-duplicates.
	if s.AppendMessage(msg("m1", "", "first")) {
		t.Fatalf("merged id accepted again")
	}
}

func TestState_LoadingNests(t *testing.T) {
	s := NewState(nil)

	end1 := s.BeginLoading()
	end2 := s.BeginLoading()
	end1()
	end1()
	if !s.Snapshot().Loading {
		t.Fatalf("loading cleared while an operation is in flight")
	}
	end2()
	if s.Snapshot().Loading {
		t.Fatalf("loading still set")
	}
}

func TestState_OnChangeReceivesCopies(t *testing.T) {
	var snaps []Snapshot
	s := NewState(func(sn Snapshot) { snaps = append(snaps, sn) })

	s.AppendMessage(msg("m1", "", "a"))
	s.SetConnected(true)
	s.SetError("boom")

	if len(snaps) != 3 {
		t.Fatalf("onChange calls = %d, want 3", len(snaps))
	}
	snaps[0].Messages["c1"][0].Message = "mutated"
	if s.Messages("c1")[0].Message != "a" {
		t.Fatalf("snapshot aliases state")
	}
	if !snaps[2].Connected || snaps[2].Err != "boom" {
		t.Fatalf("last snapshot = %+v", snaps[2])
	}
}

func TestState_ActiveConversationDropsStaleRow(t *testing.T) {
	s := NewState(nil)
	s.SetConversation(v1.Conversation{ID: "c1"})
	s.SetActiveConversation("c1")
	if s.Snapshot().Conversation == nil {
		t.Fatalf("conversation dropped for same id")
	}
	s.SetActiveConversation("c2")
	if s.Snapshot().Conversation != nil {
		t.Fatalf("stale conversation kept")
	}
}
