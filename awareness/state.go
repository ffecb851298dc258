package awareness

import (
	"encoding/json"
	"reflect"
	"time"
)

// ActorID identifies one collaborating editing session. It is assigned per
// open session, not per user.
type ActorID uint32

// State is an actor's presence value: any JSON value. Stored states are
// always in decoded-JSON form (map[string]any, []any, float64, string, bool).
// A nil State means the actor has no presence.
type State = any

// Origin tags who produced a change so listeners can route it.
type Origin = string

const (
	OriginLocal   Origin = "local"
	OriginTimeout Origin = "timeout"
)

// Meta is the version information kept for every known actor, including
// actors whose presence has been removed.
type Meta struct {
	Clock       uint64
	LastUpdated time.Time
}

// ActorState is a snapshot of one actor's entry.
type ActorState struct {
	ActorID     ActorID
	State       State
	Clock       uint64
	LastUpdated time.Time
}

// StateUpdate is one decoded (actor, clock, state) tuple from the wire.
type StateUpdate struct {
	ActorID ActorID
	Clock   uint64
	State   State
}

// normalize converts v into decoded-JSON form so that equality does not
// depend on the Go types the caller happened to use (int vs float64, structs
// vs maps) and so the store never aliases caller-owned maps.
func normalize(v any) (State, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// equal reports deep equality of two normalized states.
func equal(a, b State) bool {
	return reflect.DeepEqual(a, b)
}

// clone deep-copies a normalized state.
func clone(v State) State {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = clone(val)
		}
		return out
	default:
		return v
	}
}
