package speaker

import "errors"

var (
	// ErrLockTimeout marks a speaker lock force-released because no stop
	// signal arrived within the TTL.
	ErrLockTimeout = errors.New("speaker lock timed out")
)
