package models

import "encoding/json"

// JSONB is the canonical representation for the JSON-typed columns used by
// trigger conditions, node configs, schedule metadata, trigger snapshots and
// execution results.
type JSONB map[string]any

// Clone returns a shallow copy. Nested maps and slices are shared; callers
// that mutate nested values must copy those themselves.
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// Decode unmarshals the blob into a typed destination by round-tripping
// through JSON. Used to project node configs into their per-kind structs.
func (j JSONB) Decode(dst any) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// String fetches a string-valued key, returning "" when absent or not a string.
func (j JSONB) String(key string) string {
	if j == nil {
		return ""
	}
	s, _ := j[key].(string)
	return s
}
