package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsflow/internal/models"
)

func testScope() *evalScope {
	return &evalScope{
		payload: models.JSONB{
			"status": "won",
			"amount": float64(1500),
			"tags":   []any{"vip", "emea"},
			"customer": map[string]any{
				"name":  "Acme",
				"email": "ops@acme.test",
			},
			"empty": "",
		},
		trigger: models.JSONB{"module": "crm", "eventType": "deal_status_changed"},
		shared:  map[string]any{"dealCount": float64(3)},
		outputs: map[string]any{
			"node-1": map[string]any{"result": []any{"a", "b"}},
		},
		loop: map[string]any{"index": 1, "item": map[string]any{"id": "x"}},
	}
}

func TestResolvePathPrefixes(t *testing.T) {
	s := testScope()

	v, ok := s.resolvePath("$payload.customer.name")
	require.True(t, ok)
	assert.Equal(t, "Acme", v)

	v, ok = s.resolvePath("$trigger.module")
	require.True(t, ok)
	assert.Equal(t, "crm", v)

	v, ok = s.resolvePath("$context.dealCount")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)

	v, ok = s.resolvePath("$node.node-1.result.0")
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = s.resolvePath("$loop.item.id")
	require.True(t, ok)
	assert.Equal(t, "x", v)

	// Unprefixed paths scan shared, outputs, then payload.
	v, ok = s.resolvePath("status")
	require.True(t, ok)
	assert.Equal(t, "won", v)

	_, ok = s.resolvePath("nope.deep")
	assert.False(t, ok)
}

func TestEvaluateConditionOperators(t *testing.T) {
	s := testScope()

	cases := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"equals case-insensitive", models.Condition{Field: "status", Operator: models.OpEquals, Value: "WON"}, true},
		{"not_equals", models.Condition{Field: "status", Operator: models.OpNotEquals, Value: "lost"}, true},
		{"gt numeric", models.Condition{Field: "amount", Operator: models.OpGt, Value: float64(1000)}, true},
		{"gt numeric string coercion", models.Condition{Field: "amount", Operator: models.OpGt, Value: "1000"}, true},
		{"lte", models.Condition{Field: "amount", Operator: models.OpLte, Value: float64(1500)}, true},
		{"between", models.Condition{Field: "amount", Operator: models.OpBetween, Value: float64(1000), ValueTo: float64(2000)}, true},
		{"contains substring", models.Condition{Field: "customer.email", Operator: models.OpContains, Value: "acme"}, true},
		{"contains array element", models.Condition{Field: "tags", Operator: models.OpContains, Value: "vip"}, true},
		{"starts_with", models.Condition{Field: "status", Operator: models.OpStartsWith, Value: "w"}, true},
		{"ends_with", models.Condition{Field: "status", Operator: models.OpEndsWith, Value: "on"}, true},
		{"in", models.Condition{Field: "status", Operator: models.OpIn, Values: []any{"open", "won"}}, true},
		{"not_in", models.Condition{Field: "status", Operator: models.OpNotIn, Values: []any{"lost"}}, true},
		{"is_empty on empty string", models.Condition{Field: "empty", Operator: models.OpIsEmpty}, true},
		{"is_empty on missing", models.Condition{Field: "missing", Operator: models.OpIsEmpty}, true},
		{"is_not_empty", models.Condition{Field: "status", Operator: models.OpIsNotEmpty}, true},
		{"negate flips", models.Condition{Field: "status", Operator: models.OpEquals, Value: "won", Negate: true}, false},
		{"gt on non-number", models.Condition{Field: "status", Operator: models.OpGt, Value: float64(10)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.EvaluateCondition(tc.cond)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateConditionUnsupportedOperator(t *testing.T) {
	s := testScope()
	_, err := s.EvaluateCondition(models.Condition{Field: "status", Operator: "matches_regex"})
	assert.Error(t, err)
}

func TestEvaluateConditionSetLogic(t *testing.T) {
	s := testScope()
	won := models.Condition{Field: "status", Operator: models.OpEquals, Value: "won"}
	big := models.Condition{Field: "amount", Operator: models.OpGt, Value: float64(9000)}

	// Empty set matches.
	ok, err := s.EvaluateConditionSet(models.ConditionSet{})
	require.NoError(t, err)
	assert.True(t, ok)

	// AND needs every condition.
	ok, err = s.EvaluateConditionSet(models.ConditionSet{Conditions: []models.Condition{won, big}})
	require.NoError(t, err)
	assert.False(t, ok)

	// OR needs one.
	ok, err = s.EvaluateConditionSet(models.ConditionSet{Conditions: []models.Condition{won, big}, LogicalOperator: "OR"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionSetFromJSONBMalformed(t *testing.T) {
	_, ok := models.ConditionSetFromJSONB(models.JSONB{"conditions": "not-a-list"})
	assert.False(t, ok)

	_, ok = models.ConditionSetFromJSONB(models.JSONB{
		"conditions": []any{map[string]any{"field": "x"}}, // operator missing
	})
	assert.False(t, ok)

	cs, ok := models.ConditionSetFromJSONB(models.JSONB{
		"conditions":      []any{map[string]any{"field": "x", "operator": "equals", "value": "y"}},
		"logicalOperator": "or",
	})
	require.True(t, ok)
	assert.True(t, cs.IsOr())
	assert.Len(t, cs.Conditions, 1)
}
