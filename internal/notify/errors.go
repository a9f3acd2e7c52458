package notify

import "errors"

var (
	// ErrNotFound marks a MarkSeen for an id the queue does not hold
	// (already trimmed or never surfaced).
	ErrNotFound = errors.New("notification not found")
)
