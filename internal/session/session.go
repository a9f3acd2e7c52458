// Package session is the event loop of the realtime core. It drains the
// push stream serially, routes each event to exactly one owning component,
// and exposes read-only snapshots to consumers.
package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/segmentio/ksuid"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/audio"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/call"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/notify"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/rest"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/speaker"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/timeline"
	"github.com/SilexsecureTeam/Defcomm-sub000/internal/typing"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// Config aggregates the tunables of every component.
type Config struct {
	Call    call.Config
	Speaker speaker.Config
	Typing  typing.Config
	Notify  notify.Config
}

// DefaultConfig returns the stock policies of all components.
func DefaultConfig() Config {
	return Config{
		Call:    call.DefaultConfig(),
		Speaker: speaker.DefaultConfig(),
		Typing:  typing.DefaultConfig(),
		Notify:  notify.DefaultConfig(),
	}
}

// Deps are the injected collaborators. Nil fields get safe defaults: a
// silent audio slot, wall clock, and no-op REST side effects.
type Deps struct {
	Slot      *audio.Slot
	Clock     clock.Clock
	REST      *rest.Client
	CallHooks call.Hooks
}

// Stats counts what the loop has seen, for diagnostics surfaces.
type Stats struct {
	EventsProcessed  int `json:"events_processed"`
	MalformedDropped int `json:"malformed_dropped"`
	DuplicatesMerged int `json:"duplicates_merged"`
	MessagesMerged   int `json:"messages_merged"`
	Notifications    int `json:"notifications"`
}

// Session owns the core components for one authenticated account.
type Session struct {
	localUserID string
	rest        *rest.Client

	timeline *timeline.Reconciler
	calls    *call.Machine
	speakers *speaker.Arbiter
	typing   *typing.Tracker
	notify   *notify.Dispatcher

	mu    sync.Mutex
	stats Stats
}

// New wires a session for the local account.
func New(cfg Config, localUserID string, deps Deps) *Session {
	if deps.Slot == nil {
		deps.Slot = audio.NewSlot(nil)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	s := &Session{
		localUserID: localUserID,
		rest:        deps.REST,
		timeline:    timeline.NewReconciler(localUserID),
		calls:       call.NewMachine(cfg.Call, deps.CallHooks, deps.Slot, deps.Clock, localUserID),
		speakers:    speaker.NewArbiter(cfg.Speaker, deps.Slot, deps.Clock),
	}

	s.typing = typing.NewTracker(cfg.Typing, typing.AnnouncerFunc(s.announceTyping), deps.Clock)
	s.notify = notify.NewDispatcher(cfg.Notify, notify.ReceipterFunc(s.sendReadReceipt), deps.Clock, localUserID)
	return s
}

// Apply routes one inbound event. Malformed payloads are dropped and
// logged; they never stop the loop.
func (s *Session) Apply(ev protocol.Event) {
	s.count(func(st *Stats) { st.EventsProcessed++ })

	if err := ev.Validate(); err != nil {
		s.dropMalformed(err)
		return
	}

	switch ev.Kind {
	case protocol.KindMessageSent:
		p, err := ev.Message()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		delta := s.timeline.ApplyInbound(p)
		switch delta.Kind {
		case timeline.DeltaNone:
			s.count(func(st *Stats) { st.DuplicatesMerged++ })
		default:
			s.count(func(st *Stats) { st.MessagesMerged++ })
		}
		// Call-type messages additionally feed the call state machine.
		if p.IsCallInvite() && delta.Kind == timeline.DeltaInserted {
			s.calls.HandleInvite(protocol.CallInvitePayload{
				CallID:      p.CallID(),
				InitiatorID: p.SenderID,
			})
		}
		s.observe(ev)

	case protocol.KindTyping:
		p, err := ev.Typing()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		if p.UserID != s.localUserID {
			s.typing.HandleRemote(p)
		}

	case protocol.KindCallInvite:
		p, err := ev.CallInvite()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		s.calls.HandleInvite(p)
		s.observe(ev)

	case protocol.KindCallUpdate:
		p, err := ev.CallUpdate()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		if err := s.calls.ApplyUpdate(p); err != nil {
			if errors.Is(err, call.ErrUnknownCall) {
				// Late or duplicate traffic for a call this device never
				// tracked; never creates a session.
				return
			}
			s.dropMalformed(err)
		}

	case protocol.KindChannelTransmit:
		p, err := ev.Transmit()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		if p.UserID != s.localUserID {
			s.speakers.HandleTransmit(p)
		}

	case protocol.KindSubscriptionSucceeded:
		log.Printf("session: subscribed to %s", ev.Topic)
	case protocol.KindSubscriptionError:
		if p, err := ev.Subscription(); err == nil {
			log.Printf("session: subscription error on %s: %s %s", ev.Topic, p.Code, p.Message)
		}
	}
}

func (s *Session) observe(ev protocol.Event) {
	if entry := s.notify.Observe(ev); entry != nil {
		s.count(func(st *Stats) { st.Notifications++ })
	}
}

func (s *Session) dropMalformed(err error) {
	s.count(func(st *Stats) { st.MalformedDropped++ })
	log.Printf("session: dropping event: %v", err)
}

func (s *Session) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Run drains a channel of events serially until it closes or the context
// ends. Concurrent event arrival is impossible by construction.
func (s *Session) Run(ctx context.Context, events <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}

// SendMessage performs an optimistic local send: a provisional entry is
// visible immediately, then the REST confirmation (and later the push echo)
// promote it in place. Returns the client correlation id.
func (s *Session) SendMessage(ctx context.Context, conversationID, body string) (string, error) {
	clientID := ksuid.New().String()
	s.timeline.ApplyLocalSend(conversationID, clientID, body)
	s.typing.Flush(conversationID)

	if s.rest == nil {
		return clientID, nil
	}
	confirmed, err := s.rest.SendMessage(ctx, conversationID, clientID, body)
	if err != nil {
		return clientID, err
	}
	s.timeline.ApplyInbound(confirmed)
	return clientID, nil
}

// LocalInput feeds the typing debouncer; call it per keystroke-equivalent.
func (s *Session) LocalInput(conversationID string) { s.typing.LocalInput(conversationID) }

// OpenConversation marks which conversation is on screen so its events do
// not surface as notifications.
func (s *Session) OpenConversation(conversationID string) {
	s.notify.SetOpenConversation(conversationID)
}

func (s *Session) announceTyping(conversationID string, isTyping bool) {
	if s.rest == nil {
		return
	}
	go func() {
		if err := s.rest.SetTyping(context.Background(), conversationID, isTyping); err != nil {
			log.Printf("session: typing announce failed: %v", err)
		}
	}()
}

func (s *Session) sendReadReceipt(conversationID, messageID string) {
	if s.rest == nil {
		return
	}
	go func() {
		if err := s.rest.SendReadReceipt(context.Background(), conversationID, messageID); err != nil {
			log.Printf("session: read receipt failed: %v", err)
		}
	}()
}

// Timeline exposes the message reconciler.
func (s *Session) Timeline() *timeline.Reconciler { return s.timeline }

// Calls exposes the call state machine.
func (s *Session) Calls() *call.Machine { return s.calls }

// Speakers exposes the walkie arbiter.
func (s *Session) Speakers() *speaker.Arbiter { return s.speakers }

// Typing exposes the typing tracker.
func (s *Session) Typing() *typing.Tracker { return s.typing }

// Notifications exposes the notification queue.
func (s *Session) Notifications() *notify.Dispatcher { return s.notify }

// Stats returns a copy of the loop counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset discards all session-scoped state. Called on logout/disconnect.
func (s *Session) Reset() {
	s.timeline.Reset()
	s.calls.Reset()
	s.speakers.Reset()
	s.typing.Reset()
	s.notify.Reset()
}
