// Package notify fans inbound events not tied to an open conversation into
// a capped, ordered, seen/unseen notification queue.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// Receipter requests the read-receipt side effect when a notification is
// marked seen. Implementations wrap the read-receipt REST endpoint.
type Receipter interface {
	SendReadReceipt(conversationID, messageID string)
}

// ReceipterFunc adapts a function to the Receipter interface.
type ReceipterFunc func(conversationID, messageID string)

func (f ReceipterFunc) SendReadReceipt(conversationID, messageID string) { f(conversationID, messageID) }

// Entry is one queued notification.
type Entry struct {
	ID             string
	Kind           protocol.Kind
	ConversationID string
	Payload        json.RawMessage
	Seen           bool
	ArrivedAt      time.Time
}

// Config holds tunables.
type Config struct {
	Capacity int
}

// DefaultConfig returns the stock capacity of 100 entries.
func DefaultConfig() Config { return Config{Capacity: 100} }

// Dispatcher observes the raw event stream independently of the per-kind
// components and surfaces whatever is not already visible in an open view.
type Dispatcher struct {
	mu          sync.Mutex
	clk         clock.Clock
	cfg         Config
	receipter   Receipter
	localUserID string

	open    string // currently open conversation, "" when none
	entries []Entry // newest first
	byID    map[string]int
}

// NewDispatcher creates a dispatcher. A nil clock uses wall time.
func NewDispatcher(cfg Config, receipter Receipter, clk clock.Clock, localUserID string) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	return &Dispatcher{
		clk:         clk,
		cfg:         cfg,
		receipter:   receipter,
		localUserID: localUserID,
		byID:        make(map[string]int),
	}
}

// SetOpenConversation records which conversation is on screen; its message
// events do not double-surface as notifications.
func (d *Dispatcher) SetOpenConversation(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = conversationID
}

// Observe inspects one raw event and returns the notification it produced,
// or nil. Self-authored events and typing/call.update kinds never surface:
// the former are the user's own actions, the latter belong to their own
// components.
func (d *Dispatcher) Observe(ev protocol.Event) *Entry {
	if ev.SenderID == d.localUserID {
		return nil
	}

	var id, conversationID string
	switch ev.Kind {
	case protocol.KindMessageSent:
		p, err := ev.Message()
		if err != nil || p.SenderID == d.localUserID {
			return nil
		}
		id, conversationID = p.ID, p.ConversationID
	case protocol.KindCallInvite:
		p, err := ev.CallInvite()
		if err != nil || p.InitiatorID == d.localUserID {
			return nil
		}
		id = p.CallID
	default:
		return nil
	}
	if id == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if conversationID != "" && conversationID == d.open {
		return nil
	}
	if _, dup := d.byID[id]; dup {
		return nil
	}

	entry := Entry{
		ID:             id,
		Kind:           ev.Kind,
		ConversationID: conversationID,
		Payload:        ev.Payload,
		ArrivedAt:      d.clk.Now(),
	}
	d.entries = append([]Entry{entry}, d.entries...)
	if len(d.entries) > d.cfg.Capacity {
		for _, old := range d.entries[d.cfg.Capacity:] {
			delete(d.byID, old.ID)
		}
		d.entries = d.entries[:d.cfg.Capacity]
	}
	d.reindexLocked()

	out := entry
	return &out
}

func (d *Dispatcher) reindexLocked() {
	for i := range d.entries {
		d.byID[d.entries[i].ID] = i
	}
}

// MarkSeen flips the entry's seen flag and requests the corresponding
// read-receipt side effect.
func (d *Dispatcher) MarkSeen(id string) error {
	d.mu.Lock()
	i, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return ErrNotFound
	}
	if d.entries[i].Seen {
		d.mu.Unlock()
		return nil
	}
	d.entries[i].Seen = true
	entry := d.entries[i]
	d.mu.Unlock()

	if d.receipter != nil && entry.Kind == protocol.KindMessageSent {
		d.receipter.SendReadReceipt(entry.ConversationID, entry.ID)
	}
	return nil
}

// Snapshot returns the queue newest-first.
func (d *Dispatcher) Snapshot() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// UnseenCount reports entries not yet marked seen.
func (d *Dispatcher) UnseenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		if !e.Seen {
			n++
		}
	}
	return n
}

// Reset drops the queue. Called on logout/disconnect.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = nil
	d.byID = make(map[string]int)
}
