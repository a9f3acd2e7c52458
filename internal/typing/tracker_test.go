package typing_test

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/typing"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

type announce struct {
	conversationID string
	typing         bool
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls []announce
}

func (f *fakeAnnouncer) AnnounceTyping(conversationID string, typing bool) {
	f.mu.Lock()
	f.calls = append(f.calls, announce{conversationID, typing})
	f.mu.Unlock()
}

func (f *fakeAnnouncer) snapshot() []announce {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]announce, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTracker() (*typing.Tracker, *fakeAnnouncer, *clock.Mock) {
	ann := &fakeAnnouncer{}
	mock := clock.NewMock()
	tr := typing.NewTracker(typing.DefaultConfig(), ann, mock)
	return tr, ann, mock
}

func TestLocalInput_FirstKeystrokeAnnouncesOnce(t *testing.T) {
	tr, ann, _ := newTracker()

	for i := 0; i < 5; i++ {
		tr.LocalInput("c1")
	}

	calls := ann.snapshot()
	if len(calls) != 1 || !calls[0].typing {
		t.Fatalf("expected single is_typing announce, got %v", calls)
	}
}

func TestIdleWindow_AnnouncesNotTypingOnce(t *testing.T) {
	tr, ann, mock := newTracker()

	tr.LocalInput("c1")
	mock.Add(4 * time.Second)

	calls := ann.snapshot()
	if len(calls) != 2 || calls[1].typing {
		t.Fatalf("expected is_typing then not_typing, got %v", calls)
	}

	// No further announcements once the burst is over.
	mock.Add(10 * time.Second)
	if got := ann.snapshot(); len(got) != 2 {
		t.Fatalf("idle announced again: %v", got)
	}
}

func TestKeystrokesExtendTheBurst(t *testing.T) {
	tr, ann, mock := newTracker()

	tr.LocalInput("c1")
	mock.Add(2 * time.Second)
	tr.LocalInput("c1")
	mock.Add(2 * time.Second)
	tr.LocalInput("c1")

	// 4s of wall time but never 3s idle: still one announce.
	if calls := ann.snapshot(); len(calls) != 1 {
		t.Fatalf("burst broke early: %v", calls)
	}

	mock.Add(3 * time.Second)
	calls := ann.snapshot()
	if len(calls) != 2 || calls[1].typing {
		t.Fatalf("expected not_typing after idle, got %v", calls)
	}
}

func TestNewBurstAfterIdle(t *testing.T) {
	tr, ann, mock := newTracker()

	tr.LocalInput("c1")
	mock.Add(3 * time.Second)
	tr.LocalInput("c1")
	mock.Add(3 * time.Second)

	want := []bool{true, false, true, false}
	calls := ann.snapshot()
	if len(calls) != len(want) {
		t.Fatalf("expected %d announces, got %v", len(want), calls)
	}
	for i, typing := range want {
		if calls[i].typing != typing {
			t.Fatalf("announce %d: got %v want %v", i, calls[i].typing, typing)
		}
	}
}

func TestFlush_EndsBurstImmediately(t *testing.T) {
	tr, ann, mock := newTracker()

	tr.LocalInput("c1")
	tr.Flush("c1")

	calls := ann.snapshot()
	if len(calls) != 2 || calls[1].typing {
		t.Fatalf("expected immediate not_typing on flush, got %v", calls)
	}

	// The cancelled idle timer must not announce again.
	mock.Add(5 * time.Second)
	if got := ann.snapshot(); len(got) != 2 {
		t.Fatalf("stopped timer announced: %v", got)
	}
}

func TestFlush_WithoutBurstIsSilent(t *testing.T) {
	tr, ann, _ := newTracker()

	tr.Flush("c1")
	if got := ann.snapshot(); len(got) != 0 {
		t.Fatalf("flush with no burst announced: %v", got)
	}
}

func TestConversationsDebounceIndependently(t *testing.T) {
	tr, ann, mock := newTracker()

	tr.LocalInput("c1")
	mock.Add(2 * time.Second)
	tr.LocalInput("c2")
	mock.Add(1 * time.Second)

	// c1 idled at t=3s, c2 is still live.
	calls := ann.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected 3 announces, got %v", calls)
	}
	last := calls[2]
	if last.conversationID != "c1" || last.typing {
		t.Fatalf("expected c1 not_typing, got %v", last)
	}
}

func TestHandleRemote_LastWriteWins(t *testing.T) {
	tr, _, _ := newTracker()

	tr.HandleRemote(protocol.TypingPayload{ConversationID: "c1", UserID: "alice", Typing: true})
	if !tr.IsTyping("alice") {
		t.Fatalf("expected alice typing")
	}
	tr.HandleRemote(protocol.TypingPayload{ConversationID: "c1", UserID: "alice", Typing: false})
	if tr.IsTyping("alice") {
		t.Fatalf("expected alice cleared")
	}
	if len(tr.Snapshot()) != 0 {
		t.Fatalf("not_typing entry should drop out of the map")
	}
}

func TestReset_SilentlyDropsBursts(t *testing.T) {
	tr, ann, mock := newTracker()

	tr.LocalInput("c1")
	tr.HandleRemote(protocol.TypingPayload{UserID: "alice", Typing: true})
	tr.Reset()

	mock.Add(10 * time.Second)
	if calls := ann.snapshot(); len(calls) != 1 {
		t.Fatalf("reset should not announce, got %v", calls)
	}
	if tr.IsTyping("alice") {
		t.Fatalf("remote state survived reset")
	}
}
