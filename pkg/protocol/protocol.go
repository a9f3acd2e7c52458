// Package protocol defines the push-event wire contract shared between the
// realtime client and the event relay. It is intentionally dependency-light
// so both sides agree on one authoritative shape.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the event variant carried by an Event envelope.
type Kind string

const (
	// Client <-> server session frames.
	KindHello       Kind = "hello"
	KindWelcome     Kind = "welcome"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"

	// Push events routed to the core components.
	KindMessageSent     Kind = "message.sent"
	KindTyping          Kind = "typing"
	KindCallInvite      Kind = "call.invite"
	KindCallUpdate      Kind = "call.update"
	KindChannelTransmit Kind = "channel.transmit"

	// Subscription lifecycle.
	KindSubscriptionSucceeded Kind = "subscription.succeeded"
	KindSubscriptionError     Kind = "subscription.error"
)

var knownKinds = map[Kind]struct{}{
	KindHello:                 {},
	KindWelcome:               {},
	KindSubscribe:             {},
	KindUnsubscribe:           {},
	KindMessageSent:           {},
	KindTyping:                {},
	KindCallInvite:            {},
	KindCallUpdate:            {},
	KindChannelTransmit:       {},
	KindSubscriptionSucceeded: {},
	KindSubscriptionError:     {},
}

// Topic name prefixes. One logical subscription exists per topic.
const (
	chatTopicPrefix   = "private-chat."
	walkieTopicPrefix = "private-walkie."
	groupTopicPrefix  = "private-group."
)

// ChatTopic returns the personal inbox topic for a user.
func ChatTopic(userID string) string { return chatTopicPrefix + userID }

// WalkieTopic returns the broadcast channel topic for a walkie channel.
func WalkieTopic(channelID string) string { return walkieTopicPrefix + channelID }

// GroupTopic returns the topic for a group conversation.
func GroupTopic(groupID string) string { return groupTopicPrefix + groupID }

// IsWalkieTopic reports whether the topic names a broadcast channel.
func IsWalkieTopic(topic string) bool { return strings.HasPrefix(topic, walkieTopicPrefix) }

// Event is the canonical envelope for every frame on the push transport.
type Event struct {
	Topic     string          `json:"topic,omitempty"`
	Kind      Kind            `json:"kind"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of the envelope. Events failing
// validation are dropped by consumers, never dispatched.
func (e Event) Validate() error {
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	}
	if _, ok := knownKinds[e.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	switch e.Kind {
	case KindHello, KindWelcome:
	default:
		if e.Topic == "" {
			return fmt.Errorf("%w: missing topic for kind %q", ErrMalformedEvent, e.Kind)
		}
	}
	return nil
}

// decodePayload unmarshals the payload into v, wrapping failures as malformed.
func (e Event) decodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for kind %q", ErrMalformedEvent, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %q payload: %v", ErrMalformedEvent, e.Kind, err)
	}
	return nil
}

// NewEvent builds an envelope with the payload marshalled in place.
func NewEvent(topic string, kind Kind, senderID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %q payload: %w", kind, err)
	}
	return Event{
		Topic:     topic,
		Kind:      kind,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// CallMarkerPrefix tags a message body as a call invitation. Call-type
// messages ride the ordinary message stream and additionally feed the call
// state machine; the text after the marker is the call id.
const CallMarkerPrefix = "::call::"

// MessagePayload is the body of a message.sent event, and the shape returned
// by the send-message REST endpoint once the server has assigned an id.
type MessagePayload struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsCallInvite reports whether the message body carries the call marker.
func (p MessagePayload) IsCallInvite() bool {
	return strings.HasPrefix(p.Body, CallMarkerPrefix)
}

// CallID returns the call id embedded in a call-marker body, or "".
func (p MessagePayload) CallID() string {
	if !p.IsCallInvite() {
		return ""
	}
	return strings.TrimPrefix(p.Body, CallMarkerPrefix)
}

func (p MessagePayload) validate() error {
	if p.ID == "" && p.ClientID == "" {
		return errors.New("message requires id or client_id")
	}
	if p.ConversationID == "" {
		return errors.New("message missing conversation_id")
	}
	if p.SenderID == "" {
		return errors.New("message missing sender_id")
	}
	return nil
}

// TypingPayload is the body of a typing event.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// CallInvitePayload is the body of a call.invite event.
type CallInvitePayload struct {
	CallID       string   `json:"call_id"`
	MeetingID    string   `json:"meeting_id,omitempty"`
	InitiatorID  string   `json:"initiator_id"`
	Participants []string `json:"participants,omitempty"`
}

// CallUpdatePayload is the body of a call.update event. Updates are
// authoritative across all devices of the same account, keyed by call id.
type CallUpdatePayload struct {
	CallID          string `json:"call_id"`
	State           string `json:"state"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Transmit actions for walkie channels.
const (
	TransmitStart   = "start"
	TransmitSegment = "segment"
	TransmitStop    = "stop"
)

// TransmitPayload is the body of a channel.transmit event.
type TransmitPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
	Seq       int    `json:"seq,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// SubscribePayload is the body of subscribe/unsubscribe frames and of the
// subscription lifecycle events echoed back by the relay.
type SubscribePayload struct {
	Topic   string `json:"topic"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// HelloPayload opens a session on the push transport.
type HelloPayload struct {
	UserID    string `json:"user_id"`
	AuthToken string `json:"auth_token,omitempty"`
}

// WelcomePayload acknowledges a hello.
type WelcomePayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// Message decodes and validates a message.sent payload.
func (e Event) Message() (MessagePayload, error) {
	var p MessagePayload
	if err := e.decodePayload(&p); err != nil {
		return MessagePayload{}, err
	}
	if err := p.validate(); err != nil {
		return MessagePayload{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return p, nil
}

// Typing decodes a typing payload.
func (e Event) Typing() (TypingPayload, error) {
	var p TypingPayload
	if err := e.decodePayload(&p); err != nil {
		return TypingPayload{}, err
	}
	if p.UserID == "" {
		return TypingPayload{}, fmt.Errorf("%w: typing missing user_id", ErrMalformedEvent)
	}
	return p, nil
}

// CallInvite decodes a call.invite payload.
func (e Event) CallInvite() (CallInvitePayload, error) {
	var p CallInvitePayload
	if err := e.decodePayload(&p); err != nil {
		return CallInvitePayload{}, err
	}
	if p.CallID == "" {
		return CallInvitePayload{}, fmt.Errorf("%w: call.invite missing call_id", ErrMalformedEvent)
	}
	return p, nil
}

// CallUpdate decodes a call.update payload.
func (e Event) CallUpdate() (CallUpdatePayload, error) {
	var p CallUpdatePayload
	if err := e.decodePayload(&p); err != nil {
		return CallUpdatePayload{}, err
	}
	if p.CallID == "" || p.State == "" {
		return CallUpdatePayload{}, fmt.Errorf("%w: call.update missing call_id or state", ErrMalformedEvent)
	}
	return p, nil
}

// Transmit decodes a channel.transmit payload.
func (e Event) Transmit() (TransmitPayload, error) {
	var p TransmitPayload
	if err := e.decodePayload(&p); err != nil {
		return TransmitPayload{}, err
	}
	if p.ChannelID == "" || p.UserID == "" {
		return TransmitPayload{}, fmt.Errorf("%w: transmit missing channel_id or user_id", ErrMalformedEvent)
	}
	switch p.Action {
	case TransmitStart, TransmitSegment, TransmitStop:
	default:
		return TransmitPayload{}, fmt.Errorf("%w: transmit action %q", ErrMalformedEvent, p.Action)
	}
	return p, nil
}

// Subscription decodes a subscribe/unsubscribe/lifecycle payload.
func (e Event) Subscription() (SubscribePayload, error) {
	var p SubscribePayload
	if err := e.decodePayload(&p); err != nil {
		return SubscribePayload{}, err
	}
	if p.Topic == "" {
		return SubscribePayload{}, fmt.Errorf("%w: subscription missing topic", ErrMalformedEvent)
	}
	return p, nil
}

// Hello decodes a hello payload.
func (e Event) Hello() (HelloPayload, error) {
	var p HelloPayload
	if err := e.decodePayload(&p); err != nil {
		return HelloPayload{}, err
	}
	if p.UserID == "" {
		return HelloPayload{}, fmt.Errorf("%w: hello missing user_id", ErrMalformedEvent)
	}
	return p, nil
}
