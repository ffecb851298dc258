package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"collabtext/awareness"
	cerrors "collabtext/errors"
)

var validate = validator.New()

// Source is the read side of an awareness store.
type Source interface {
	Actor(id awareness.ActorID) (awareness.ActorState, bool)
}

// EncodeAwareness builds the tuples for ids. Actors unknown to src are
// skipped; removed actors are encoded with state "null" and their last clock.
func EncodeAwareness(src Source, ids []awareness.ActorID) (*AwarenessUpdate, error) {
	update := &AwarenessUpdate{States: make([]StateInfo, 0, len(ids))}
	seen := make(map[awareness.ActorID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		actor, ok := src.Actor(id)
		if !ok {
			continue
		}
		data, err := json.Marshal(actor.State)
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeInvalidState, "failed to encode state").
				WithDetail("actor", id)
		}
		clientID := uint32(id)
		clock := actor.Clock
		state := string(data)
		update.States = append(update.States, StateInfo{
			ClientID: &clientID,
			Clock:    &clock,
			State:    &state,
		})
	}
	return update, nil
}

// DecodeAwareness validates every tuple and converts them for
// awareness.Store.ApplyUpdate. A single malformed tuple rejects the whole
// update with INVALID_UPDATE.
func DecodeAwareness(u *AwarenessUpdate) ([]awareness.StateUpdate, error) {
	if u == nil {
		return nil, cerrors.InvalidUpdate("missing awareness payload")
	}
	if err := validate.Struct(u); err != nil {
		return nil, validationError(err)
	}

	out := make([]awareness.StateUpdate, 0, len(u.States))
	for i, info := range u.States {
		var state any
		if err := json.Unmarshal([]byte(*info.State), &state); err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrCodeInvalidUpdate, "state is not valid JSON").
				WithDetail("index", i)
		}
		out = append(out, awareness.StateUpdate{
			ActorID: awareness.ActorID(*info.ClientID),
			Clock:   *info.Clock,
			State:   state,
		})
	}
	return out, nil
}

// NewAwarenessMessage wraps tuples for document docID.
func NewAwarenessMessage(docID string, u *AwarenessUpdate) *Message {
	return &Message{Type: TypeAwareness, DocID: docID, Awareness: u}
}

// Marshal encodes a frame.
func Marshal(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", m.Type, err)
	}
	return data, nil
}

// Unmarshal decodes and validates a frame.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeInvalidUpdate, "malformed frame")
	}
	if err := validate.Struct(&m); err != nil {
		return nil, validationError(err)
	}
	return &m, nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return cerrors.Wrap(err, cerrors.ErrCodeInvalidUpdate, "validation failed")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return cerrors.InvalidUpdate(strings.Join(fields, ", ")).WithDetail("fields", fields)
}
