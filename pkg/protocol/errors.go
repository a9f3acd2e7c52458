package protocol

import "errors"

var (
	// ErrMalformedEvent marks payloads missing required fields. Consumers
	// drop and log such events; they never stop the dispatch loop.
	ErrMalformedEvent = errors.New("malformed event")
)
