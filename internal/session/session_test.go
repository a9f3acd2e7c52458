package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/call"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/rest"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/session"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/speaker"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/timeline"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

func newSession(t *testing.T) (*session.Session, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s := session.New(session.DefaultConfig(), "me", session.Deps{Clock: mock})
	return s, mock
}

func messageEvent(t *testing.T, id, clientID, conversationID, sender, body string, at time.Time) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(protocol.GroupTopic(conversationID), protocol.KindMessageSent, sender, protocol.MessagePayload{
		ID:             id,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      at,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func TestApply_MessageRoutedToTimelineAndNotifications(t *testing.T) {
	s, _ := newSession(t)
	at := time.Now().UTC()

	s.Apply(messageEvent(t, "m1", "", "c1", "alice", "hi", at))

	if n := s.Timeline().Len("c1"); n != 1 {
		t.Fatalf("timeline missed the message, len=%d", n)
	}
	if n := s.Notifications().UnseenCount(); n != 1 {
		t.Fatalf("expected a notification, got %d", n)
	}

	st := s.Stats()
	if st.EventsProcessed != 1 || st.MessagesMerged != 1 || st.Notifications != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestApply_DuplicateCountsAsMergedOnce(t *testing.T) {
	s, _ := newSession(t)
	ev := messageEvent(t, "m1", "", "c1", "alice", "hi", time.Now().UTC())

	s.Apply(ev)
	s.Apply(ev)
	s.Apply(ev)

	if n := s.Timeline().Len("c1"); n != 1 {
		t.Fatalf("duplicates leaked into timeline, len=%d", n)
	}
	st := s.Stats()
	if st.MessagesMerged != 1 || st.DuplicatesMerged != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestApply_MalformedDroppedLoopContinues(t *testing.T) {
	s, _ := newSession(t)

	s.Apply(protocol.Event{Kind: "bogus", Topic: "private-chat.me", Timestamp: time.Now()})

	raw, _ := json.Marshal(map[string]string{"body": "no ids"})
	s.Apply(protocol.Event{
		Topic:     protocol.GroupTopic("c1"),
		Kind:      protocol.KindMessageSent,
		Timestamp: time.Now(),
		Payload:   raw,
	})

	s.Apply(messageEvent(t, "m1", "", "c1", "alice", "still works", time.Now().UTC()))

	st := s.Stats()
	if st.MalformedDropped != 2 {
		t.Fatalf("expected 2 malformed drops, got %+v", st)
	}
	if n := s.Timeline().Len("c1"); n != 1 {
		t.Fatalf("valid event after malformed ones was lost")
	}
}

func TestApply_CallMarkerMessageStartsRinging(t *testing.T) {
	s, mock := newSession(t)

	body := protocol.CallMarkerPrefix + "call-7"
	s.Apply(messageEvent(t, "m1", "", "c1", "alice", body, time.Now().UTC()))

	sess, ok := s.Calls().Snapshot("call-7")
	if !ok || sess.State != call.StateRinging {
		t.Fatalf("call marker did not start ringing: %+v", sess)
	}

	// Replaying the same message must not re-ring.
	s.Apply(messageEvent(t, "m1", "", "c1", "alice", body, time.Now().UTC()))

	mock.Add(31 * time.Second)
	sess, _ = s.Calls().Snapshot("call-7")
	if sess.State != call.StateMissed {
		t.Fatalf("unanswered call should be missed, got %v", sess.State)
	}
}

func TestApply_CallUpdateForUnknownCallIgnored(t *testing.T) {
	s, _ := newSession(t)

	ev, err := protocol.NewEvent(protocol.ChatTopic("me"), protocol.KindCallUpdate, "alice", protocol.CallUpdatePayload{
		CallID: "ghost",
		State:  "ended",
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	s.Apply(ev)

	if _, ok := s.Calls().Snapshot("ghost"); ok {
		t.Fatalf("late update created a call session")
	}
	if st := s.Stats(); st.MalformedDropped != 0 {
		t.Fatalf("unknown call counted as malformed: %+v", st)
	}
}

func TestApply_OwnTypingEchoSuppressed(t *testing.T) {
	s, _ := newSession(t)

	mine, _ := protocol.NewEvent(protocol.GroupTopic("c1"), protocol.KindTyping, "me", protocol.TypingPayload{
		ConversationID: "c1", UserID: "me", Typing: true,
	})
	s.Apply(mine)
	if s.Typing().IsTyping("me") {
		t.Fatalf("own typing echo tracked as remote")
	}

	theirs, _ := protocol.NewEvent(protocol.GroupTopic("c1"), protocol.KindTyping, "alice", protocol.TypingPayload{
		ConversationID: "c1", UserID: "alice", Typing: true,
	})
	s.Apply(theirs)
	if !s.Typing().IsTyping("alice") {
		t.Fatalf("remote typing not tracked")
	}
}

func TestApply_OwnTransmitEchoSuppressed(t *testing.T) {
	s, _ := newSession(t)

	mine, _ := protocol.NewEvent(protocol.WalkieTopic("w1"), protocol.KindChannelTransmit, "me", protocol.TransmitPayload{
		ChannelID: "w1", UserID: "me", Action: protocol.TransmitStart,
	})
	s.Apply(mine)
	if got := s.Speakers().CurrentSpeaker("w1"); got != "" {
		t.Fatalf("own transmit echo claimed the channel lock, holder=%q", got)
	}

	theirs, _ := protocol.NewEvent(protocol.WalkieTopic("w1"), protocol.KindChannelTransmit, "remote", protocol.TransmitPayload{
		ChannelID: "w1", UserID: "remote", Action: protocol.TransmitStart,
	})
	s.Apply(theirs)
	if got := s.Speakers().CurrentSpeaker("w1"); got != "remote" {
		t.Fatalf("remote transmit not routed, holder=%q", got)
	}
	if g := s.Speakers().RequestSpeak("w1", "me"); g != speaker.Denied {
		t.Fatalf("local speak granted while remote holds the channel")
	}
}

func TestSendMessage_OptimisticThenConfirmed(t *testing.T) {
	created := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConversationID string `json:"conversation_id"`
			ClientID       string `json:"client_id"`
			Body           string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(protocol.MessagePayload{
			ID:             "42",
			ClientID:       req.ClientID,
			ConversationID: req.ConversationID,
			SenderID:       "me",
			Body:           req.Body,
			CreatedAt:      created,
		})
	}))
	defer srv.Close()

	mock := clock.NewMock()
	s := session.New(session.DefaultConfig(), "me", session.Deps{
		Clock: mock,
		REST:  rest.New(srv.URL, "tok", srv.Client()),
	})

	clientID, err := s.SendMessage(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	snap := s.Timeline().Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("expected one entry after confirmation, got %d", len(snap))
	}
	if snap[0].ID != "42" || snap[0].State != timeline.StateConfirmed {
		t.Fatalf("send not promoted: %+v", snap[0])
	}

	// The push echo of the same message is a duplicate, not a new entry.
	s.Apply(messageEvent(t, "42", clientID, "c1", "me", "hello", created))
	if n := s.Timeline().Len("c1"); n != 1 {
		t.Fatalf("push echo duplicated the message, len=%d", n)
	}
}

func TestOpenConversation_SuppressesItsNotifications(t *testing.T) {
	s, _ := newSession(t)

	s.OpenConversation("c1")
	s.Apply(messageEvent(t, "m1", "", "c1", "alice", "hi", time.Now().UTC()))
	if n := s.Notifications().UnseenCount(); n != 0 {
		t.Fatalf("open conversation notified, got %d", n)
	}

	s.Apply(messageEvent(t, "m2", "", "c2", "alice", "hi", time.Now().UTC()))
	if n := s.Notifications().UnseenCount(); n != 1 {
		t.Fatalf("closed conversation did not notify, got %d", n)
	}
}

func TestRun_DrainsSeriallyUntilClose(t *testing.T) {
	s, _ := newSession(t)
	events := make(chan protocol.Event, 8)
	at := time.Now().UTC()

	for i, id := range []string{"m1", "m2", "m3"} {
		events <- messageEvent(t, id, "", "c1", "alice", "x", at.Add(time.Duration(i)*time.Second))
	}
	close(events)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return on channel close")
	}
	if n := s.Timeline().Len("c1"); n != 3 {
		t.Fatalf("expected 3 messages applied, got %d", n)
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	s, _ := newSession(t)
	at := time.Now().UTC()

	s.Apply(messageEvent(t, "m1", "", "c1", "alice", "hi", at))
	inv, _ := protocol.NewEvent(protocol.ChatTopic("me"), protocol.KindCallInvite, "alice", protocol.CallInvitePayload{
		CallID: "call-1", InitiatorID: "alice",
	})
	s.Apply(inv)

	s.Reset()

	if s.Timeline().Len("c1") != 0 {
		t.Fatalf("timeline survived reset")
	}
	if _, ok := s.Calls().Snapshot("call-1"); ok {
		t.Fatalf("call state survived reset")
	}
	if s.Notifications().UnseenCount() != 0 {
		t.Fatalf("notifications survived reset")
	}
}
