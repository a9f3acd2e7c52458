// Package audio models the single audio-output slot shared by the call state
// machine (ringtone) and the speaker arbiter (channel playback). The device
// has one output; ownership is last-writer-wins with explicit release.
package audio

import "sync"

// Player is the opaque media collaborator. Implementations wrap the hosted
// media SDK; the core never touches hardware directly.
type Player interface {
	Play(clip string, loop bool)
	Stop()
	SetMuted(muted bool)
}

// NopPlayer discards all playback requests. Useful for headless sessions
// and tests that do not assert on audio.
type NopPlayer struct{}

func (NopPlayer) Play(string, bool) {}
func (NopPlayer) Stop()             {}
func (NopPlayer) SetMuted(bool)     {}

// Slot guards exclusive access to the player. Acquiring while another owner
// holds the slot stops that owner's playback first.
type Slot struct {
	mu     sync.Mutex
	player Player
	owner  string
}

// NewSlot wraps a player in an exclusive slot.
func NewSlot(p Player) *Slot {
	if p == nil {
		p = NopPlayer{}
	}
	return &Slot{player: p}
}

// Play acquires the slot for owner and starts the clip. Any prior holder's
// playback is stopped first.
func (s *Slot) Play(owner, clip string, loop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner {
		s.player.Stop()
	}
	s.owner = owner
	s.player.Play(clip, loop)
}

// Stop halts playback and releases the slot, but only if owner still holds
// it. A stale owner's stop is a no-op.
func (s *Slot) Stop(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return
	}
	s.player.Stop()
	s.owner = ""
}

// SetMuted forwards mute state to the player regardless of ownership.
func (s *Slot) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.player.SetMuted(muted)
}

// Owner returns the current holder, or "" when the slot is free.
func (s *Slot) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}
