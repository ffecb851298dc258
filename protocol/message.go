// Package protocol defines the JSON frames exchanged between agents and the
// relay server, and the codec that turns awareness stores into frames and back.
package protocol

import (
	"encoding/json"
)

// MessageType selects how a frame is handled.
type MessageType string

const (
	// TypeAwareness carries presence tuples.
	TypeAwareness MessageType = "awareness"
	// TypeAwarenessQuery asks the peer for a full presence snapshot.
	TypeAwarenessQuery MessageType = "awareness-query"
	// TypeUpdate carries an opaque document update; it is relayed untouched.
	TypeUpdate MessageType = "update"
)

// Message is one frame on the wire.
type Message struct {
	Type  MessageType `json:"type" validate:"required,oneof=awareness awareness-query update"`
	DocID string      `json:"docId,omitempty"`
	// Instance identifies the relay server that published the frame so it
	// can drop its own echoes from pub/sub.
	Instance  string           `json:"instance,omitempty"`
	Awareness *AwarenessUpdate `json:"awareness,omitempty" validate:"required_if=Type awareness"`
	Update    json.RawMessage  `json:"update,omitempty" validate:"required_if=Type update"`
}

// AwarenessUpdate is a list of presence tuples.
type AwarenessUpdate struct {
	States []StateInfo `json:"states" validate:"dive"`
}

// StateInfo is one (actor, clock, state) tuple. State holds JSON text;
// "null" announces that the actor left. Every field is mandatory.
type StateInfo struct {
	ClientID *uint32 `json:"clientId" validate:"required"`
	Clock    *uint64 `json:"clock" validate:"required"`
	State    *string `json:"state" validate:"required,json"`
}
