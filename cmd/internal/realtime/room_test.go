package realtime

import (
	"io"
	"log/slog"
	"testing"

	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRoom_BroadcastExceptAndDrop(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := NewMetrics(prometheus.NewRegistry())
	room := newRoom(log, metrics, "conv-1")

	a := NewClient("a", 1)
	b := NewClient("b", 1)
	closed := NewClient("c", 1)
	closed.Close()

	room.join(a)
	room.join(b)
	room.join(closed)

	room.BroadcastExcept(v1.NewError("first"), "a")

	if len(a.Send) != 0 {
		t.Fatalf("skipped session received an envelope")
	}
	if len(b.Send) != 1 {
		t.Fatalf("expected b to receive one envelope, got %d", len(b.Send))
	}
	if len(closed.Send) != 0 {
		t.Fatalf("closed client must not receive envelopes")
	}

	// b's queue is full now.
	room.Broadcast(v1.NewError("second"))
	if len(a.Send) != 1 {
		t.Fatalf("expected a to receive the broadcast")
	}
	if got := (<-b.Send).Message; got != "first" {
		t.Fatalf("b queue head = %q, want first", got)
	}

	// One drop for the closed client on each broadcast plus one for b's full queue.
	if n := testutil.ToFloat64(metrics.drops); n != 3 {
		t.Fatalf("expected 3 drops, got %v", n)
	}

	if left := room.leave("b"); left != 2 {
		t.Fatalf("expected 2 members left, got %d", left)
	}
	select {
	case <-b.Done():
		t.Fatalf("leave must not close the client")
	default:
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.connOpened()
	m.envelopeIn(v1.TypeJoin)
	m.reject("origin")
	m.dropped()
}
