package engine

import (
	"encoding/json"

	"permgate/internal/metadata"
)

// Missing is one entry of a missing-permission diff: a portion of the
// required tree that the granted tree does not satisfy. Exactly one of
// Actions, Nested or Tree is set.
//
//	{Key: "user", Actions: ["get"]}             -> {"user": ["get"]}
//	{Key: "<id>", Nested: [{transaction ...}]}  -> {"<id>": [{"transaction": ["update"]}]}
//	{Tree: required}                            -> the required tree verbatim
type Missing struct {
	Key     string
	Actions []string
	Nested  []Missing
	Tree    *metadata.Node
}

func (m Missing) MarshalJSON() ([]byte, error) {
	var v any
	switch {
	case m.Actions != nil:
		v = m.Actions
	case m.Nested != nil:
		v = m.Nested
	default:
		v = m.Tree
	}
	if m.Key == "" {
		return json.Marshal(v)
	}
	return json.Marshal(map[string]any{m.Key: v})
}

// Decision is the outcome handed back to the HTTP layer.
type Decision struct {
	Valid bool      `json:"valid,omitempty"`
	Error *AppError `json:"error,omitempty"`
}

// Decide turns a diff into a decision. Any missing entry denies.
func Decide(missing []Missing) Decision {
	if len(missing) == 0 {
		return Decision{Valid: true}
	}
	return Decision{Error: PermissionDeniedError(missing)}
}
