package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"opsflow/internal/models"
)

func testVarContext() *VarContext {
	return &VarContext{
		Event: Event{
			OrganizationID: "org-1",
			Module:         "crm",
			EntityType:     "deal",
			EventType:      "deal_status_changed",
			UserID:         "user-9",
			Payload: models.JSONB{
				"dealName":      "Big Deal",
				"amount":        float64(2500),
				"customerEmail": "buyer@example.test",
				"stage":         "won",
				"owner":         map[string]any{"email": "owner@example.test"},
			},
		},
		User:         models.JSONB{"name": "Dana", "email": "dana@example.test"},
		Organization: models.JSONB{"name": "Example Inc"},
		Now:          time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestResolveSystemVariables(t *testing.T) {
	vc := testVarContext()
	assert.Equal(t, "2026-03-15", vc.ResolveString("{CURRENT_DATE}"))
	assert.Equal(t, "10:30:00", vc.ResolveString("{CURRENT_TIME}"))
	assert.Equal(t, "user-9", vc.ResolveString("{CURRENT_USER}"))
	assert.Equal(t, "Example Inc", vc.ResolveString("{ORGANIZATION_NAME}"))
	assert.Equal(t, "Dana", vc.ResolveString("{USER_NAME}"))
	assert.Equal(t, "dana@example.test", vc.ResolveString("{USER_EMAIL}"))
}

func TestResolveModuleAliases(t *testing.T) {
	vc := testVarContext()
	assert.Equal(t, "Big Deal", vc.ResolveString("{DEAL_NAME}"))
	assert.Equal(t, "2500", vc.ResolveString("{DEAL_AMOUNT}"))
	assert.Equal(t, "won", vc.ResolveString("{DEAL_STAGE}"))
	assert.Equal(t, "buyer@example.test", vc.ResolveString("{CUSTOMER_EMAIL}"))
}

func TestResolveSnakeAliases(t *testing.T) {
	vc := testVarContext()
	assert.Equal(t, "Dana", vc.ResolveString("{user_name}"))
	assert.Equal(t, "buyer@example.test", vc.ResolveString("{customer_email}"))
	assert.Equal(t, "Example Inc", vc.ResolveString("{organization_name}"))
}

func TestResolveDotPaths(t *testing.T) {
	vc := testVarContext()
	assert.Equal(t, "owner@example.test", vc.ResolveString("{payload.owner.email}"))
	assert.Equal(t, "Dana", vc.ResolveString("{user.name}"))
	assert.Equal(t, "crm", vc.ResolveString("{trigger.module}"))
	// Unprefixed dot path tries payload.
	assert.Equal(t, "owner@example.test", vc.ResolveString("{owner.email}"))
}

func TestResolveCaseInsensitiveAndNested(t *testing.T) {
	vc := testVarContext()
	assert.Equal(t, "Big Deal", vc.ResolveString("{dealname}"))
	// One-level nested scan.
	assert.Equal(t, "owner@example.test", vc.ResolveString("{email}"))
}

func TestResolveMissLeavesTokenLiteral(t *testing.T) {
	vc := testVarContext()
	in := "Hello {NOT_A_TOKEN}, deal {DEAL_NAME}"
	out := vc.ResolveString(in)
	assert.Equal(t, "Hello {NOT_A_TOKEN}, deal Big Deal", out)
	// Resolution is idempotent.
	assert.Equal(t, out, vc.ResolveString(out))
}

func TestResolveTemplate(t *testing.T) {
	vc := testVarContext()
	vc.Shared = map[string]any{"score": float64(87)}
	assert.Equal(t, "score=87 stage=won", vc.ResolveTemplate("score={{ $context.score }} stage={{ payload.stage }}"))
	// Unresolvable template paths stay literal.
	assert.Equal(t, "{{ nothing.here }}", vc.ResolveTemplate("{{ nothing.here }}"))
	// Plain tokens in the same string resolve afterwards.
	assert.Equal(t, "Big Deal / 87", vc.ResolveTemplate("{DEAL_NAME} / {{ $context.score }}"))
}

func TestStringifyNumbers(t *testing.T) {
	assert.Equal(t, "42", stringify(float64(42)))
	assert.Equal(t, "42.5", stringify(float64(42.5)))
	assert.Equal(t, "", stringify(nil))
}
