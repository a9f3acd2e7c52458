// Package typing converts local keystroke bursts into debounced typing
// announcements and tracks which remote users are typing.
package typing

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// Announcer delivers typing state changes to the backend. Implementations
// wrap the typing-status REST endpoint.
type Announcer interface {
	AnnounceTyping(conversationID string, typing bool)
}

// AnnouncerFunc adapts a function to the Announcer interface.
type AnnouncerFunc func(conversationID string, typing bool)

func (f AnnouncerFunc) AnnounceTyping(conversationID string, typing bool) { f(conversationID, typing) }

// Config holds tunables. The idle window is configuration, not a constant.
type Config struct {
	IdleWindow time.Duration
}

// DefaultConfig returns the stock 3 second idle window.
func DefaultConfig() Config { return Config{IdleWindow: 3 * time.Second} }

// Tracker debounces local input per conversation and applies inbound typing
// events directly (the remote sender already debounced).
type Tracker struct {
	mu        sync.Mutex
	clk       clock.Clock
	cfg       Config
	announcer Announcer

	bursts map[string]*clock.Timer // conversationID -> idle timer while a burst is live
	remote map[string]bool         // userID -> typing
}

// NewTracker creates a tracker. A nil clock uses wall time.
func NewTracker(cfg Config, announcer Announcer, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultConfig().IdleWindow
	}
	return &Tracker{
		clk:       clk,
		cfg:       cfg,
		announcer: announcer,
		bursts:    make(map[string]*clock.Timer),
		remote:    make(map[string]bool),
	}
}

// LocalInput is called on every keystroke-equivalent. The first input of a
// burst announces is_typing; each further input only resets the idle timer.
// Once input stays idle for the window, not_typing is announced exactly once.
func (t *Tracker) LocalInput(conversationID string) {
	t.mu.Lock()
	if timer, live := t.bursts[conversationID]; live {
		timer.Reset(t.cfg.IdleWindow)
		t.mu.Unlock()
		return
	}
	t.bursts[conversationID] = t.clk.AfterFunc(t.cfg.IdleWindow, func() {
		t.idle(conversationID)
	})
	t.mu.Unlock()

	t.announce(conversationID, true)
}

func (t *Tracker) idle(conversationID string) {
	t.mu.Lock()
	if _, live := t.bursts[conversationID]; !live {
		t.mu.Unlock()
		return
	}
	delete(t.bursts, conversationID)
	t.mu.Unlock()

	t.announce(conversationID, false)
}

// Flush ends a live burst immediately, announcing not_typing. Called on
// blur or send.
func (t *Tracker) Flush(conversationID string) {
	t.mu.Lock()
	timer, live := t.bursts[conversationID]
	if !live {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(t.bursts, conversationID)
	t.mu.Unlock()

	t.announce(conversationID, false)
}

func (t *Tracker) announce(conversationID string, typing bool) {
	if t.announcer != nil {
		t.announcer.AnnounceTyping(conversationID, typing)
	}
}

// HandleRemote applies one inbound typing event, last write wins. Entries
// drop out on a not-typing event.
func (t *Tracker) HandleRemote(p protocol.TypingPayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Typing {
		t.remote[p.UserID] = true
		return
	}
	delete(t.remote, p.UserID)
}

// IsTyping reports whether a remote user is currently typing.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote[userID]
}

// Snapshot returns a copy of the remote typing map.
func (t *Tracker) Snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.remote))
	for k, v := range t.remote {
		out[k] = v
	}
	return out
}

// Reset drops all bursts and remote state without announcing.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.bursts {
		timer.Stop()
		delete(t.bursts, id)
	}
	t.remote = make(map[string]bool)
}
