package hub

import (
	"encoding/json"
	"time"
)

// MsgType identifies the kind of frame carried by an Envelope, generalizing
// internal/ws/messages.go's per-message-struct MsgType enum to a single
// open-ended envelope.
type MsgType string

const (
	MsgTypeWelcome    MsgType = "welcome"
	MsgTypeSubscribe  MsgType = "subscribe"
	MsgTypeUnsub      MsgType = "unsubscribe"
	MsgTypeAck        MsgType = "ack"
	MsgTypeNack       MsgType = "nack"
	MsgTypePing       MsgType = "ping"
	MsgTypePong       MsgType = "pong"
	MsgTypeTokenUpdate MsgType = "token_update"
	MsgTypeAlert      MsgType = "alert"
	MsgTypeFilterResult MsgType = "filter_result"
	MsgTypeMarket     MsgType = "market"
	MsgTypeError      MsgType = "error"
)

// Envelope is the single wire frame for every message the hub sends or
// receives; Payload carries the type-specific body as raw JSON so that new
// channels/message shapes never require a new envelope variant.
type Envelope struct {
	Type      MsgType         `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func newEnvelope(t MsgType, channel string, payload interface{}) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Envelope{Type: t, Channel: channel, Payload: raw, Timestamp: time.Now().UTC()}
}

// welcomePayload is sent once per connection immediately after registration.
type welcomePayload struct {
	ClientID   string    `json:"clientId"`
	UserID     string    `json:"userId,omitempty"`
	Channels   []string  `json:"availableChannels"`
	ServerTime time.Time `json:"serverTime"`
}

// subscribeRequest is the client → hub message to add/remove channels.
type subscribeRequest struct {
	Channels []string `json:"channels"`
}

// ackPayload/nackPayload acknowledge a subscribe/unsubscribe request.
type ackPayload struct {
	Channels []string `json:"channels"`
}

type nackPayload struct {
	Reason string `json:"reason"`
}
