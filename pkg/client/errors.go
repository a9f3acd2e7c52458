package client

import "errors"

var (
	// ErrNotConnected marks an operation attempted without a live connection.
	ErrNotConnected = errors.New("client not connected")
	// ErrTransport marks a connection drop; the caller drives the reconnect.
	ErrTransport = errors.New("transport failure")
	// ErrUnavailable marks a failed connect attempt: no connection could be
	// established at all.
	ErrUnavailable = errors.New("server unavailable")
)
