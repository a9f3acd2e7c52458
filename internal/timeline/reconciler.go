// Package timeline merges inbound message events into per-conversation
// ordered, deduplicated timelines and reconciles them against locally
// optimistic sends that the server has not confirmed yet.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// State of a timeline entry.
type State int

const (
	// StatePending marks a locally created entry awaiting server confirmation.
	StatePending State = iota
	// StateConfirmed marks an entry carrying a server-assigned id.
	StateConfirmed
)

// Message is one timeline entry. ClientID is the local correlation id used
// before the server assigns ID.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
	Read           bool
	State          State
}

// DeltaKind classifies the visible effect of applying one inbound event.
type DeltaKind int

const (
	// DeltaNone means the event was a duplicate; nothing changed.
	DeltaNone DeltaKind = iota
	// DeltaInserted means a new entry was added.
	DeltaInserted
	// DeltaConfirmed means a pending entry was promoted in place.
	DeltaConfirmed
	// DeltaUpdated means an existing confirmed entry was overwritten.
	DeltaUpdated
)

// Delta describes what one ApplyInbound call changed.
type Delta struct {
	Kind           DeltaKind
	ConversationID string
	Message        Message
}

// Reconciler owns the conversation timelines. Consumers read snapshots and
// never mutate entries directly.
type Reconciler struct {
	mu            sync.RWMutex
	localUserID   string
	conversations map[string][]Message
}

// NewReconciler creates a reconciler for the given local account.
func NewReconciler(localUserID string) *Reconciler {
	return &Reconciler{
		localUserID:   localUserID,
		conversations: make(map[string][]Message),
	}
}

// ApplyLocalSend inserts a provisional entry for an optimistic local send.
// The entry is unread-by-definition false for the sender and stays Pending
// until an inbound event carrying the same client id confirms it.
func (r *Reconciler) ApplyLocalSend(conversationID, clientID, body string) Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       r.localUserID,
		Body:           body,
		CreatedAt:      time.Now().UTC(),
		Read:           true,
		State:          StatePending,
	}
	r.conversations[conversationID] = append(r.conversations[conversationID], msg)
	return msg
}

// ApplyInbound merges one message event into its conversation timeline.
//
// Merge order: match by server id first (overwrite in place, idempotent);
// then by client id against a pending entry from this account (promote in
// place, preserving position); otherwise insert sorted by CreatedAt. The
// common case of strictly increasing timestamps appends without sorting.
func (r *Reconciler) ApplyInbound(p protocol.MessagePayload) Delta {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.conversations[p.ConversationID]

	if p.ID != "" {
		for i := range entries {
			if entries[i].ID == p.ID {
				updated := fromPayload(p)
				updated.Read = entries[i].Read
				if updated == entries[i] {
					return Delta{Kind: DeltaNone, ConversationID: p.ConversationID, Message: entries[i]}
				}
				entries[i] = updated
				return Delta{Kind: DeltaUpdated, ConversationID: p.ConversationID, Message: entries[i]}
			}
		}
	}

	if p.ClientID != "" && p.SenderID == r.localUserID {
		for i := range entries {
			if entries[i].State == StatePending && entries[i].ClientID == p.ClientID {
				confirmed := fromPayload(p)
				confirmed.Read = true
				entries[i] = confirmed
				return Delta{Kind: DeltaConfirmed, ConversationID: p.ConversationID, Message: entries[i]}
			}
		}
	}

	msg := fromPayload(p)
	r.conversations[p.ConversationID] = insertSorted(entries, msg)
	return Delta{Kind: DeltaInserted, ConversationID: p.ConversationID, Message: msg}
}

// insertSorted appends when the timestamp is not older than the current tail,
// else falls back to a stable re-sort. Ties keep arrival order.
func insertSorted(entries []Message, msg Message) []Message {
	if n := len(entries); n == 0 || !msg.CreatedAt.Before(entries[n-1].CreatedAt) {
		return append(entries, msg)
	}
	entries = append(entries, msg)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

func fromPayload(p protocol.MessagePayload) Message {
	return Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		CreatedAt:      p.CreatedAt,
		State:          StateConfirmed,
	}
}

// Snapshot returns a copy of the conversation timeline.
func (r *Reconciler) Snapshot(conversationID string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.conversations[conversationID]
	out := make([]Message, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of entries held for a conversation.
func (r *Reconciler) Len(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations[conversationID])
}

// MarkReadThrough flips Read on every entry up to and including messageID
// (watermark semantics) and returns how many entries changed.
func (r *Reconciler) MarkReadThrough(conversationID, messageID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.conversations[conversationID]
	cut := -1
	for i := range entries {
		if entries[i].ID == messageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return 0
	}
	changed := 0
	for i := 0; i <= cut; i++ {
		if !entries[i].Read {
			entries[i].Read = true
			changed++
		}
	}
	return changed
}

// UnreadCount reports entries not yet marked read for a conversation.
func (r *Reconciler) UnreadCount(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.conversations[conversationID] {
		if !m.Read {
			n++
		}
	}
	return n
}

// LoadSnapshot replaces a conversation timeline wholesale. Used after a
// reconnect, when missed events are re-synchronized via a fresh fetch
// rather than replayed.
func (r *Reconciler) LoadSnapshot(conversationID string, msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Message, len(msgs))
	copy(entries, msgs)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	r.conversations[conversationID] = entries
}

// Reset drops all timelines. Called on logout/disconnect.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = make(map[string][]Message)
}
