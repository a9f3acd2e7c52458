package client

import (
	"github.com/SilexsecureTeam/Defcomm-sub000/pkg/protocol"
)

// Status is the observable transport state. Recovery from Disconnected is
// caller-driven; the client performs no internal backoff loop.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	// StatusUnavailable is terminal for a connect attempt: no connection
	// could be established at all. The caller retries or alerts the user.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "disconnected"
	}
}

// Config holds connection configuration.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:8080/ws.
	ServerURL string
	// UserAgent identifies this client on dial.
	UserAgent string
}

// EventSink receives every validated inbound event, in arrival order.
type EventSink func(protocol.Event)

// StatusSink observes transport state changes.
type StatusSink func(Status)
