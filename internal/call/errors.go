package call

import "errors"

var (
	// ErrUnknownCall marks a call.update naming a call id this device has
	// never seen. Treated as late/duplicate traffic, not session creation.
	ErrUnknownCall = errors.New("unknown call id")
	// ErrInvalidState marks a call.update with an unparseable state name.
	ErrInvalidState = errors.New("invalid call state")
)
