// Package call tracks call sessions end-to-end (ring, active, ended, missed)
// and reconciles the same call across multiple devices of one account.
package call

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/audio"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// State of one call session. Transitions are monotonic; Ended and Missed
// are terminal.
type State int

const (
	StateRinging State = iota + 1
	StateActive
	StateEnded
	StateMissed
)

var stateNames = map[State]string{
	StateRinging: "ringing",
	StateActive:  "active",
	StateEnded:   "ended",
	StateMissed:  "missed",
}

func (s State) String() string { return stateNames[s] }

// ParseState maps a wire state name to a State.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateEnded || s == StateMissed }

// rank orders states for monotonic reconciliation. A lower-ranked update
// never overwrites a higher-ranked local state.
func (s State) rank() int {
	switch s {
	case StateRinging:
		return 1
	case StateActive:
		return 2
	case StateEnded, StateMissed:
		return 3
	}
	return 0
}

// Session is the logical record of one call attempt, independent of which
// device answers it.
type Session struct {
	CallID          string
	MeetingID       string
	InitiatorID     string
	Participants    map[string]struct{}
	State           State
	StartedAt       time.Time
	DurationSeconds int
}

func (s *Session) clone() Session {
	out := *s
	out.Participants = make(map[string]struct{}, len(s.Participants))
	for p := range s.Participants {
		out.Participants[p] = struct{}{}
	}
	return out
}

// Hooks are the transition callbacks surfaced to the UI layer. Nil hooks
// are skipped. The machine never plays audio itself beyond the injected
// ringtone slot.
type Hooks struct {
	OnRing   func(Session)
	OnActive func(Session)
	OnEnded  func(Session, int)
	OnMissed func(Session)
}

// Config holds tunables. The ring timeout is deliberately configuration,
// not a constant.
type Config struct {
	RingTimeout time.Duration
	Ringtone    string
}

// DefaultConfig returns the stock policy: 30 second ring window.
func DefaultConfig() Config {
	return Config{RingTimeout: 30 * time.Second, Ringtone: "ringtone.default"}
}

// Machine is the call signaling state machine, keyed by call id rather than
// by local origin so a call answered elsewhere is still tracked here.
type Machine struct {
	mu          sync.Mutex
	clk         clock.Clock
	cfg         Config
	hooks       Hooks
	slot        *audio.Slot
	localUserID string
	sessions    map[string]*Session
	ringTimers  map[string]*clock.Timer
}

// NewMachine creates a machine. A nil clock uses wall time; a nil slot
// disables ringtone playback.
func NewMachine(cfg Config, hooks Hooks, slot *audio.Slot, clk clock.Clock, localUserID string) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	if slot == nil {
		slot = audio.NewSlot(nil)
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultConfig().RingTimeout
	}
	return &Machine{
		clk:         clk,
		cfg:         cfg,
		hooks:       hooks,
		slot:        slot,
		localUserID: localUserID,
		sessions:    make(map[string]*Session),
		ringTimers:  make(map[string]*clock.Timer),
	}
}

func slotOwner(callID string) string { return "call:" + callID }

// HandleInvite starts ringing for a new call id. A repeated invite for a
// known call id is a duplicate and changes nothing.
func (m *Machine) HandleInvite(p protocol.CallInvitePayload) {
	m.mu.Lock()
	if _, exists := m.sessions[p.CallID]; exists {
		m.mu.Unlock()
		return
	}
	sess := &Session{
		CallID:       p.CallID,
		MeetingID:    p.MeetingID,
		InitiatorID:  p.InitiatorID,
		Participants: make(map[string]struct{}),
		State:        StateRinging,
		StartedAt:    m.clk.Now(),
	}
	for _, id := range p.Participants {
		sess.Participants[id] = struct{}{}
	}
	if p.InitiatorID != "" {
		sess.Participants[p.InitiatorID] = struct{}{}
	}
	m.sessions[p.CallID] = sess
	m.armRingTimer(p.CallID)
	snap := sess.clone()
	m.mu.Unlock()

	if p.InitiatorID != m.localUserID {
		m.slot.Play(slotOwner(p.CallID), m.cfg.Ringtone, true)
	}
	if m.hooks.OnRing != nil {
		m.hooks.OnRing(snap)
	}
}

// StartCall rings a locally initiated call. The same ring window applies:
// no answer within the timeout marks the call missed.
func (m *Machine) StartCall(callID, meetingID string, participants []string) {
	m.HandleInvite(protocol.CallInvitePayload{
		CallID:       callID,
		MeetingID:    meetingID,
		InitiatorID:  m.localUserID,
		Participants: participants,
	})
}

// armRingTimer must be called with the lock held.
func (m *Machine) armRingTimer(callID string) {
	m.ringTimers[callID] = m.clk.AfterFunc(m.cfg.RingTimeout, func() {
		m.ringTimeout(callID)
	})
}

func (m *Machine) ringTimeout(callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok || sess.State != StateRinging {
		m.mu.Unlock()
		return
	}
	sess.State = StateMissed
	m.clearRingLocked(callID)
	snap := sess.clone()
	m.mu.Unlock()

	m.slot.Stop(slotOwner(callID))
	if m.hooks.OnMissed != nil {
		m.hooks.OnMissed(snap)
	}
}

// clearRingLocked stops the ring timer; lock must be held.
func (m *Machine) clearRingLocked(callID string) {
	if t, ok := m.ringTimers[callID]; ok {
		t.Stop()
		delete(m.ringTimers, callID)
	}
}

// ParticipantJoined records a media-session join, an opaque external signal.
// The call goes active once at least two participants are present.
func (m *Machine) ParticipantJoined(callID, userID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok || sess.State.Terminal() {
		m.mu.Unlock()
		return
	}
	sess.Participants[userID] = struct{}{}
	if sess.State != StateRinging || len(sess.Participants) < 2 {
		m.mu.Unlock()
		return
	}
	sess.State = StateActive
	sess.StartedAt = m.clk.Now()
	m.clearRingLocked(callID)
	snap := sess.clone()
	m.mu.Unlock()

	m.slot.Stop(slotOwner(callID))
	if m.hooks.OnActive != nil {
		m.hooks.OnActive(snap)
	}
}

// ParticipantLeft records a media-session leave. An active call ends once
// the remaining participant count drops to one or zero.
func (m *Machine) ParticipantLeft(callID, userID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok || sess.State != StateActive {
		m.mu.Unlock()
		return
	}
	delete(sess.Participants, userID)
	if len(sess.Participants) > 1 {
		m.mu.Unlock()
		return
	}
	m.endLocked(sess)
}

// Leave ends an active call for an explicit local hang-up, or rejects a
// ringing one.
func (m *Machine) Leave(callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok || sess.State.Terminal() {
		m.mu.Unlock()
		return
	}
	if sess.State == StateRinging {
		m.mu.Unlock()
		m.Reject(callID)
		return
	}
	m.endLocked(sess)
}

// endLocked finalizes an active session; unlocks before firing hooks.
func (m *Machine) endLocked(sess *Session) {
	sess.State = StateEnded
	sess.DurationSeconds = int(m.clk.Now().Sub(sess.StartedAt) / time.Second)
	snap := sess.clone()
	callID := sess.CallID
	m.mu.Unlock()

	m.slot.Stop(slotOwner(callID))
	if m.hooks.OnEnded != nil {
		m.hooks.OnEnded(snap, snap.DurationSeconds)
	}
}

// Reject marks a ringing call missed on explicit local rejection.
func (m *Machine) Reject(callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok || sess.State != StateRinging {
		m.mu.Unlock()
		return
	}
	sess.State = StateMissed
	m.clearRingLocked(callID)
	snap := sess.clone()
	m.mu.Unlock()

	m.slot.Stop(slotOwner(callID))
	if m.hooks.OnMissed != nil {
		m.hooks.OnMissed(snap)
	}
}

// ApplyUpdate reconciles an authoritative call.update from any device of
// this account. The update overwrites local state even when this device
// never transitioned itself, subject to monotonicity: terminal sessions
// ignore further updates, and a lower-ranked state never replaces a
// higher-ranked one. Updates naming an unknown call id are late or
// duplicate traffic and are ignored.
func (m *Machine) ApplyUpdate(p protocol.CallUpdatePayload) error {
	target, ok := ParseState(p.State)
	if !ok {
		return ErrInvalidState
	}

	m.mu.Lock()
	sess, exists := m.sessions[p.CallID]
	if !exists {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if sess.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if target.rank() < sess.State.rank() {
		m.mu.Unlock()
		return nil
	}
	if target == sess.State {
		if p.DurationSeconds > sess.DurationSeconds {
			sess.DurationSeconds = p.DurationSeconds
		}
		m.mu.Unlock()
		return nil
	}

	sess.State = target
	if p.DurationSeconds > 0 {
		sess.DurationSeconds = p.DurationSeconds
	}
	if target == StateActive && sess.StartedAt.IsZero() {
		sess.StartedAt = m.clk.Now()
	}
	m.clearRingLocked(p.CallID)
	snap := sess.clone()
	m.mu.Unlock()

	m.slot.Stop(slotOwner(p.CallID))
	switch target {
	case StateActive:
		if m.hooks.OnActive != nil {
			m.hooks.OnActive(snap)
		}
	case StateEnded:
		if m.hooks.OnEnded != nil {
			m.hooks.OnEnded(snap, snap.DurationSeconds)
		}
	case StateMissed:
		if m.hooks.OnMissed != nil {
			m.hooks.OnMissed(snap)
		}
	}
	return nil
}

// Snapshot returns a copy of one session.
func (m *Machine) Snapshot(callID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// ActiveSessions returns copies of all non-terminal sessions.
func (m *Machine) ActiveSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, sess := range m.sessions {
		if !sess.State.Terminal() {
			out = append(out, sess.clone())
		}
	}
	return out
}

// Reset drops all sessions and timers. Called on logout/disconnect.
func (m *Machine) Reset() {
	m.mu.Lock()
	for id, t := range m.ringTimers {
		t.Stop()
		delete(m.ringTimers, id)
	}
	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if !sess.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, id := range ids {
		m.slot.Stop(slotOwner(id))
	}
	if len(ids) > 0 {
		log.Printf("call: dropped %d in-flight session(s) on reset", len(ids))
	}
}
