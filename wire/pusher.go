// Copyright 2022-2023 The wsbench Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Filter comparison modes
const (
	CompareEquals = "eq"
	CompareInSet  = "in"
)

// Pusher protocol event names
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventSubscribe             = "pusher:subscribe"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
)

// Filter is the subscription predicate a session asks the service to apply
// to channel data
type Filter struct {
	// Key is the message attribute the predicate applies to
	Key string `json:"key" validate:"required"`
	// Compare is the comparison mode, one of CompareEquals or CompareInSet
	Compare string `json:"cmp" validate:"required,oneof=eq in"`
	// Values are the filter values. CompareEquals uses exactly one value.
	Values []string `json:"-" validate:"required,min=1"`
}

// MarshalJSON encodes the filter the way the service expects. A single value
// serializes as "val", multiple values as "vals".
func (f Filter) MarshalJSON() ([]byte, error) {
	if len(f.Values) == 0 {
		return nil, fmt.Errorf("filter carries no values")
	}
	if len(f.Values) == 1 {
		return json.Marshal(struct {
			Key     string `json:"key"`
			Compare string `json:"cmp"`
			Value   string `json:"val"`
		}{Key: f.Key, Compare: f.Compare, Value: f.Values[0]})
	}
	return json.Marshal(struct {
		Key     string   `json:"key"`
		Compare string   `json:"cmp"`
		Values  []string `json:"vals"`
	}{Key: f.Key, Compare: f.Compare, Values: f.Values})
}

// ServerMessage is one decoded inbound frame from the stream service
type ServerMessage struct {
	// Event is the protocol event name
	Event string `json:"event"`
	// Channel names the channel a data message belongs to
	Channel string `json:"channel,omitempty"`
	// Data is the event payload, schema varies by event
	Data json.RawMessage `json:"data,omitempty"`
	// Tags are producer-side metadata attached to channel data
	Tags json.RawMessage `json:"tags,omitempty"`
}

// Codec translates between session intents and the service's frame schema.
// The schema is defined by the service under test, so the session layer never
// touches payload structure directly; swapping the service means swapping
// this implementation.
type Codec interface {
	// EndpointURL builds the WebSocket URL for the connection handshake
	EndpointURL(host string, port uint16, appKey string) string
	// NewSubscribeRequest builds a subscribe (or filter replacement) frame
	NewSubscribeRequest(channel string, filter Filter) ([]byte, error)
	// ParseInbound decodes one inbound frame
	ParseInbound(payload []byte) (ServerMessage, error)
	// HeartbeatReply returns the reply frame if the message is a heartbeat
	HeartbeatReply(msg ServerMessage) ([]byte, bool)
	// IsHandshakeComplete returns whether the message completes the
	// connection handshake
	IsHandshakeComplete(msg ServerMessage) bool
	// IsSubscribeAck returns whether the message acknowledges a subscribe
	IsSubscribeAck(msg ServerMessage) bool
	// IsRejection returns whether the message is an explicit protocol error
	IsRejection(msg ServerMessage) bool
	// IsChannelData returns whether the message is data for the given channel
	IsChannelData(msg ServerMessage, channel string) bool
	// EventTimestamp extracts the producer-side epoch-millisecond timestamp
	// from a channel data message if one is present
	EventTimestamp(msg ServerMessage) (int64, bool)
}

// pusherCodecImpl implements Codec against the Pusher protocol dialect
type pusherCodecImpl struct{}

// GetPusherCodec define a Codec speaking the Pusher protocol dialect
func GetPusherCodec() (Codec, error) {
	return &pusherCodecImpl{}, nil
}

// EndpointURL builds the WebSocket URL for the connection handshake
func (c *pusherCodecImpl) EndpointURL(host string, port uint16, appKey string) string {
	scheme := "ws"
	if port == 443 {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/app/%s", scheme, host, port, appKey)
}

// subscribeRequest is the wire form of a subscribe frame
type subscribeRequest struct {
	Event string        `json:"event"`
	Data  subscribeData `json:"data"`
}

type subscribeData struct {
	Channel string `json:"channel"`
	Filter  Filter `json:"filter"`
}

// NewSubscribeRequest builds a subscribe (or filter replacement) frame
func (c *pusherCodecImpl) NewSubscribeRequest(channel string, filter Filter) ([]byte, error) {
	return json.Marshal(subscribeRequest{
		Event: EventSubscribe,
		Data:  subscribeData{Channel: channel, Filter: filter},
	})
}

// ParseInbound decodes one inbound frame. Bare "ping" text frames are
// normalized into an EventPing message.
func (c *pusherCodecImpl) ParseInbound(payload []byte) (ServerMessage, error) {
	if string(payload) == "ping" {
		return ServerMessage{Event: "ping"}, nil
	}
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

// HeartbeatReply returns the reply frame if the message is a heartbeat
func (c *pusherCodecImpl) HeartbeatReply(msg ServerMessage) ([]byte, bool) {
	switch msg.Event {
	case "ping":
		return []byte("pong"), true
	case EventPing:
		reply, err := json.Marshal(ServerMessage{
			Event: EventPong, Data: json.RawMessage("{}"),
		})
		if err != nil {
			return nil, false
		}
		return reply, true
	}
	return nil, false
}

// IsHandshakeComplete returns whether the message completes the connection
// handshake
func (c *pusherCodecImpl) IsHandshakeComplete(msg ServerMessage) bool {
	return msg.Event == EventConnectionEstablished
}

// IsSubscribeAck returns whether the message acknowledges a subscribe
func (c *pusherCodecImpl) IsSubscribeAck(msg ServerMessage) bool {
	return msg.Event == EventSubscriptionSucceeded
}

// IsRejection returns whether the message is an explicit protocol error
func (c *pusherCodecImpl) IsRejection(msg ServerMessage) bool {
	return msg.Event == EventError
}

// IsChannelData returns whether the message is data for the given channel
func (c *pusherCodecImpl) IsChannelData(msg ServerMessage, channel string) bool {
	switch msg.Event {
	case EventConnectionEstablished, EventSubscriptionSucceeded, EventError,
		EventPing, EventPong, "ping":
		return false
	}
	return msg.Channel == channel
}

// EventTimestamp extracts the producer-side epoch-millisecond timestamp from
// a channel data message. Checked in order: root-level tags, tags nested in
// data, and a bare timestamp field in data.
func (c *pusherCodecImpl) EventTimestamp(msg ServerMessage) (int64, bool) {
	if ts, ok := timestampFromTags(msg.Tags); ok {
		return ts, true
	}
	if len(msg.Data) == 0 {
		return 0, false
	}
	var nested struct {
		Tags      json.RawMessage `json:"tags"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Data, &nested); err != nil {
		return 0, false
	}
	if ts, ok := timestampFromTags(nested.Tags); ok {
		return ts, true
	}
	return parseTimestampValue(nested.Timestamp)
}

// timestampFromTags reads a "timestamp" entry out of a tags object
func timestampFromTags(tags json.RawMessage) (int64, bool) {
	if len(tags) == 0 {
		return 0, false
	}
	var parsed struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(tags, &parsed); err != nil {
		return 0, false
	}
	return parseTimestampValue(parsed.Timestamp)
}

// parseTimestampValue accepts either a JSON number or a numeric string
func parseTimestampValue(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber, true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if parsed, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
