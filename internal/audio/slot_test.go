package audio_test

import (
	"sync"
	"testing"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/audio"
)

type fakePlayer struct {
	mu    sync.Mutex
	plays []string
	stops int
	muted bool
}

func (f *fakePlayer) Play(clip string, loop bool) {
	f.mu.Lock()
	f.plays = append(f.plays, clip)
	f.mu.Unlock()
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakePlayer) SetMuted(muted bool) {
	f.mu.Lock()
	f.muted = muted
	f.mu.Unlock()
}

func TestPlay_LastWriterWins(t *testing.T) {
	player := &fakePlayer{}
	slot := audio.NewSlot(player)

	slot.Play("ringtone", "ring.ogg", true)
	slot.Play("walkie", "segment-1", false)

	if slot.Owner() != "walkie" {
		t.Fatalf("expected walkie to own the slot, got %q", slot.Owner())
	}
	if player.stops != 1 {
		t.Fatalf("prior owner's playback not stopped, stops=%d", player.stops)
	}
	if len(player.plays) != 2 {
		t.Fatalf("expected 2 plays, got %v", player.plays)
	}
}

func TestPlay_SameOwnerDoesNotStop(t *testing.T) {
	player := &fakePlayer{}
	slot := audio.NewSlot(player)

	slot.Play("walkie", "segment-1", false)
	slot.Play("walkie", "segment-2", false)

	if player.stops != 0 {
		t.Fatalf("same owner replay stopped playback, stops=%d", player.stops)
	}
}

func TestStop_StaleOwnerIsNoop(t *testing.T) {
	player := &fakePlayer{}
	slot := audio.NewSlot(player)

	slot.Play("ringtone", "ring.ogg", true)
	slot.Play("walkie", "segment-1", false)

	// The ringtone lost the slot; its deferred stop must not cut off walkie.
	slot.Stop("ringtone")
	if slot.Owner() != "walkie" {
		t.Fatalf("stale stop released the slot, owner=%q", slot.Owner())
	}

	slot.Stop("walkie")
	if slot.Owner() != "" {
		t.Fatalf("owner stop did not release, owner=%q", slot.Owner())
	}
}

func TestSetMuted_ForwardsRegardlessOfOwner(t *testing.T) {
	player := &fakePlayer{}
	slot := audio.NewSlot(player)

	slot.SetMuted(true)
	if !player.muted {
		t.Fatalf("mute not forwarded")
	}
}

func TestNilPlayerUsesNop(t *testing.T) {
	slot := audio.NewSlot(nil)
	slot.Play("x", "clip", false)
	slot.Stop("x")
	slot.SetMuted(true)
}
