package models

import "strings"

// Operator names the comparison applied by one condition.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpBetween     Operator = "between"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

// Condition is one filter leaf shared by trigger predicates, CONDITION nodes,
// loop break conditions, FILTER nodes and QUERY where construction.
type Condition struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
	ValueTo  any      `json:"valueTo,omitempty"`
	Values   []any    `json:"values,omitempty"`
	Path     string   `json:"path,omitempty"`
	Negate   bool     `json:"negate,omitempty"`
}

// Lookup returns the path the condition reads, preferring Path over Field.
func (c Condition) Lookup() string {
	if c.Path != "" {
		return c.Path
	}
	return c.Field
}

// ConditionSet combines conditions under a single logical operator.
// The default operator is AND.
type ConditionSet struct {
	Conditions      []Condition `json:"conditions"`
	LogicalOperator string      `json:"logicalOperator,omitempty"`
}

// IsOr reports whether the set combines with OR rather than the default AND.
func (cs ConditionSet) IsOr() bool {
	return strings.EqualFold(cs.LogicalOperator, "OR")
}

// ConditionSetFromJSONB decodes a persisted condition tree. A blob that is
// present but malformed yields ok=false so callers can apply the
// predicate-error policy (warn and treat as non-match).
func ConditionSetFromJSONB(blob JSONB) (ConditionSet, bool) {
	if len(blob) == 0 {
		return ConditionSet{}, true
	}
	var cs ConditionSet
	if err := blob.Decode(&cs); err != nil {
		return ConditionSet{}, false
	}
	for _, c := range cs.Conditions {
		if c.Operator == "" {
			return ConditionSet{}, false
		}
	}
	return cs, true
}
