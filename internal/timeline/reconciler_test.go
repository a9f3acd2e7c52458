package timeline_test

import (
	"testing"
	"time"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/timeline"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

func msg(id, clientID, sender, body string, at time.Time) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:             id,
		ClientID:       clientID,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           body,
		CreatedAt:      at,
	}
}

func TestApplyInbound_IdempotentMerge(t *testing.T) {
	r := timeline.NewReconciler("me")
	base := time.Now().UTC()

	m := msg("m1", "", "alice", "hi", base)
	if d := r.ApplyInbound(m); d.Kind != timeline.DeltaInserted {
		t.Fatalf("first apply: expected insert, got %v", d.Kind)
	}
	for i := 0; i < 3; i++ {
		if d := r.ApplyInbound(m); d.Kind != timeline.DeltaNone {
			t.Fatalf("replay %d: expected no delta, got %v", i, d.Kind)
		}
	}
	if n := r.Len("c1"); n != 1 {
		t.Fatalf("expected 1 entry after replays, got %d", n)
	}
}

func TestOptimisticPromotion(t *testing.T) {
	r := timeline.NewReconciler("me")

	r.ApplyLocalSend("c1", "tmp1", "hi")
	snap := r.Snapshot("c1")
	if len(snap) != 1 || snap[0].State != timeline.StatePending {
		t.Fatalf("expected one pending entry, got %+v", snap)
	}

	d := r.ApplyInbound(msg("42", "tmp1", "me", "hi", time.Now().UTC()))
	if d.Kind != timeline.DeltaConfirmed {
		t.Fatalf("expected confirmation, got %v", d.Kind)
	}

	snap = r.Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(snap))
	}
	if snap[0].ID != "42" || snap[0].State != timeline.StateConfirmed {
		t.Fatalf("expected confirmed id=42, got %+v", snap[0])
	}
}

func TestPromotion_OnlyForOwnSends(t *testing.T) {
	r := timeline.NewReconciler("me")
	r.ApplyLocalSend("c1", "tmp1", "hi")

	// Same client id but a different sender must not promote our entry.
	d := r.ApplyInbound(msg("9", "tmp1", "mallory", "hi", time.Now().UTC()))
	if d.Kind != timeline.DeltaInserted {
		t.Fatalf("expected insert for foreign sender, got %v", d.Kind)
	}
	if n := r.Len("c1"); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}

func TestOrdering_OutOfOrderArrival(t *testing.T) {
	r := timeline.NewReconciler("me")
	base := time.Now().UTC()

	r.ApplyInbound(msg("m3", "", "alice", "third", base.Add(3*time.Second)))
	r.ApplyInbound(msg("m1", "", "alice", "first", base.Add(1*time.Second)))
	r.ApplyInbound(msg("m2", "", "alice", "second", base.Add(2*time.Second)))

	snap := r.Snapshot("c1")
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if snap[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, snap[i].ID)
		}
	}
}

func TestOrdering_TiesKeepArrivalOrder(t *testing.T) {
	r := timeline.NewReconciler("me")
	at := time.Now().UTC()

	r.ApplyInbound(msg("a", "", "alice", "one", at))
	r.ApplyInbound(msg("b", "", "bob", "two", at))

	snap := r.Snapshot("c1")
	if snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("tie broke arrival order: %s, %s", snap[0].ID, snap[1].ID)
	}
}

func TestUpdateInPlace_PreservesReadFlag(t *testing.T) {
	r := timeline.NewReconciler("me")
	at := time.Now().UTC()

	r.ApplyInbound(msg("m1", "", "alice", "hello", at))
	if n := r.MarkReadThrough("c1", "m1"); n != 1 {
		t.Fatalf("expected 1 entry marked read, got %d", n)
	}

	d := r.ApplyInbound(msg("m1", "", "alice", "hello (edited)", at))
	if d.Kind != timeline.DeltaUpdated {
		t.Fatalf("expected update, got %v", d.Kind)
	}
	snap := r.Snapshot("c1")
	if !snap[0].Read {
		t.Fatalf("read flag lost on overwrite")
	}
}

func TestMarkReadThrough_Watermark(t *testing.T) {
	r := timeline.NewReconciler("me")
	base := time.Now().UTC()

	for i, id := range []string{"m1", "m2", "m3"} {
		r.ApplyInbound(msg(id, "", "alice", "x", base.Add(time.Duration(i)*time.Second)))
	}
	if n := r.MarkReadThrough("c1", "m2"); n != 2 {
		t.Fatalf("expected 2 marked, got %d", n)
	}
	if got := r.UnreadCount("c1"); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	if n := r.MarkReadThrough("c1", "missing"); n != 0 {
		t.Fatalf("unknown watermark should mark nothing, got %d", n)
	}
}

func TestLoadSnapshot_ReplacesTimeline(t *testing.T) {
	r := timeline.NewReconciler("me")
	base := time.Now().UTC()
	r.ApplyInbound(msg("stale", "", "alice", "old", base))

	r.LoadSnapshot("c1", []timeline.Message{
		{ID: "n2", ConversationID: "c1", SenderID: "alice", CreatedAt: base.Add(2 * time.Second), State: timeline.StateConfirmed},
		{ID: "n1", ConversationID: "c1", SenderID: "alice", CreatedAt: base.Add(1 * time.Second), State: timeline.StateConfirmed},
	})

	snap := r.Snapshot("c1")
	if len(snap) != 2 || snap[0].ID != "n1" || snap[1].ID != "n2" {
		t.Fatalf("snapshot not replaced and sorted: %+v", snap)
	}
}
