// Package speaker enforces single-speaker arbitration on walkie channels and
// sequences inbound audio playback one segment at a time.
package speaker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/SilexsecureTeam/Defcomm-sub000/internal/audio"
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// Grant is the result of a speak request.
type Grant int

const (
	Denied Grant = iota
	Granted
)

func (g Grant) String() string {
	if g == Granted {
		return "granted"
	}
	return "denied"
}

// Lock is the exclusivity token for transmission on one channel.
type Lock struct {
	ChannelID  string
	HolderID   string
	AcquiredAt time.Time
}

// Config holds tunables. TTL bounds how long a lock may sit without a stop
// signal before it is force-released; expiry is an error condition, logged,
// so a crashed client cannot silence a channel forever.
type Config struct {
	LockTTL time.Duration
}

// DefaultConfig returns the stock lock TTL of 30 seconds.
func DefaultConfig() Config { return Config{LockTTL: 30 * time.Second} }

// Arbiter owns the per-channel speaker locks and playback queues.
type Arbiter struct {
	mu      sync.Mutex
	clk     clock.Clock
	cfg     Config
	slot    *audio.Slot
	locks   map[string]*Lock
	expiry  map[string]*clock.Timer
	queues  map[string][]protocol.TransmitPayload
	playing map[string]bool
}

// NewArbiter creates an arbiter. A nil clock uses wall time; a nil slot
// swallows playback.
func NewArbiter(cfg Config, slot *audio.Slot, clk clock.Clock) *Arbiter {
	if clk == nil {
		clk = clock.New()
	}
	if slot == nil {
		slot = audio.NewSlot(nil)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	return &Arbiter{
		clk:     clk,
		cfg:     cfg,
		slot:    slot,
		locks:   make(map[string]*Lock),
		expiry:  make(map[string]*clock.Timer),
		queues:  make(map[string][]protocol.TransmitPayload),
		playing: make(map[string]bool),
	}
}

func playbackOwner(channelID string) string { return "walkie:" + channelID }

// RequestSpeak grants the channel lock iff it is free or already held by the
// requester (idempotent re-grant). Any other holder means Denied.
func (a *Arbiter) RequestSpeak(channelID, userID string) Grant {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, held := a.locks[channelID]; held {
		if cur.HolderID == userID {
			return Granted
		}
		return Denied
	}
	a.acquireLocked(channelID, userID)
	return Granted
}

// acquireLocked installs the lock and arms its expiry timer; lock held.
func (a *Arbiter) acquireLocked(channelID, userID string) {
	a.locks[channelID] = &Lock{
		ChannelID:  channelID,
		HolderID:   userID,
		AcquiredAt: a.clk.Now(),
	}
	a.expiry[channelID] = a.clk.AfterFunc(a.cfg.LockTTL, func() {
		a.expire(channelID, userID)
	})
}

// Release frees the channel lock if userID holds it.
func (a *Arbiter) Release(channelID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(channelID, userID)
}

func (a *Arbiter) releaseLocked(channelID, userID string) {
	cur, held := a.locks[channelID]
	if !held || cur.HolderID != userID {
		return
	}
	delete(a.locks, channelID)
	if t, ok := a.expiry[channelID]; ok {
		t.Stop()
		delete(a.expiry, channelID)
	}
}

func (a *Arbiter) expire(channelID, userID string) {
	a.mu.Lock()
	cur, held := a.locks[channelID]
	if !held || cur.HolderID != userID {
		a.mu.Unlock()
		return
	}
	a.releaseLocked(channelID, userID)
	a.mu.Unlock()
	log.Printf("speaker: %v: channel %s holder %s", ErrLockTimeout, channelID, userID)
}

// CurrentSpeaker returns the lock holder for a channel, or "".
func (a *Arbiter) CurrentSpeaker(channelID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, held := a.locks[channelID]; held {
		return cur.HolderID
	}
	return ""
}

// HandleTransmit applies one inbound channel.transmit event. Start claims
// the lock for the remote holder, stop releases it, and segments enqueue
// for FIFO playback with at most one segment playing per channel.
func (a *Arbiter) HandleTransmit(p protocol.TransmitPayload) {
	switch p.Action {
	case protocol.TransmitStart:
		if a.RequestSpeak(p.ChannelID, p.UserID) == Denied {
			log.Printf("speaker: transmit start from %s denied on busy channel %s", p.UserID, p.ChannelID)
		}
	case protocol.TransmitStop:
		a.Release(p.ChannelID, p.UserID)
	case protocol.TransmitSegment:
		a.enqueueSegment(p)
	}
}

func (a *Arbiter) enqueueSegment(p protocol.TransmitPayload) {
	a.mu.Lock()
	// Segments from anyone other than the current holder are stale tail
	// traffic from a released transmission; still played, in order, as
	// long as the queue has room for ordering to hold.
	a.queues[p.ChannelID] = append(a.queues[p.ChannelID], p)
	if a.playing[p.ChannelID] {
		a.mu.Unlock()
		return
	}
	a.startNextLocked(p.ChannelID)
}

// startNextLocked pops the queue head and starts playback; unlocks.
func (a *Arbiter) startNextLocked(channelID string) {
	q := a.queues[channelID]
	if len(q) == 0 {
		a.playing[channelID] = false
		a.mu.Unlock()
		a.slot.Stop(playbackOwner(channelID))
		return
	}
	seg := q[0]
	a.queues[channelID] = q[1:]
	a.playing[channelID] = true
	a.mu.Unlock()

	a.slot.Play(playbackOwner(channelID), segmentClip(seg), false)
}

// PlaybackDone is called by the media collaborator when the current segment
// finishes; the next queued segment, if any, starts immediately.
func (a *Arbiter) PlaybackDone(channelID string) {
	a.mu.Lock()
	if !a.playing[channelID] {
		a.mu.Unlock()
		return
	}
	a.startNextLocked(channelID)
}

// QueueLen reports pending (not yet playing) segments for a channel.
func (a *Arbiter) QueueLen(channelID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues[channelID])
}

// segmentClip names a segment for the opaque player.
func segmentClip(p protocol.TransmitPayload) string {
	return fmt.Sprintf("segment:%s:%s:%d", p.ChannelID, p.UserID, p.Seq)
}

// Reset drops all locks, timers and queues. Called on logout/disconnect.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	for ch, t := range a.expiry {
		t.Stop()
		delete(a.expiry, ch)
	}
	playing := make([]string, 0, len(a.playing))
	for ch, on := range a.playing {
		if on {
			playing = append(playing, ch)
		}
	}
	a.locks = make(map[string]*Lock)
	a.queues = make(map[string][]protocol.TransmitPayload)
	a.playing = make(map[string]bool)
	a.mu.Unlock()

	for _, ch := range playing {
		a.slot.Stop(playbackOwner(ch))
	}
}
