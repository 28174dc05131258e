package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsflow/internal/models"
)

func TestResolveConditionsLeavesInputIntact(t *testing.T) {
	vc := testVarContext()
	conds := []models.Condition{
		{
			Field:    "stage",
			Operator: models.OpEquals,
			Value:    "{{ payload.stage }}",
		},
		{
			Field:    "stage",
			Operator: "in",
			Values:   []any{"{{ payload.stage }}", "lost"},
		},
	}

	out := resolveConditions(vc, conds)
	require.Len(t, out, 2)
	assert.Equal(t, "won", out[0].Value)
	assert.Equal(t, "won", out[1].Values[0])
	assert.Equal(t, "lost", out[1].Values[1])

	// The caller's conditions keep their templates.
	assert.Equal(t, "{{ payload.stage }}", conds[0].Value)
	assert.Equal(t, "{{ payload.stage }}", conds[1].Values[0])
}

func TestTransformQueryFiltersCollection(t *testing.T) {
	e := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})
	items := []any{
		map[string]any{"name": "Ann", "vip": true},
		map[string]any{"name": "Bob", "vip": false},
		map[string]any{"name": "Cas", "vip": true},
	}
	cfg := models.TransformConfig{
		Operation: "query",
		Conditions: []models.Condition{
			{Field: "vip", Operator: models.OpEquals, Value: true},
		},
		Limit: 1,
	}

	out, status, err := e.transformQuery(nil, nil, &models.WorkflowNode{NodeID: "q"}, Event{}, nil, items, cfg)
	require.NoError(t, err)
	assert.Empty(t, status)
	assert.Equal(t, 1, out["count"])
	assert.Equal(t, 3, out["queriedFrom"])
}
