package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"opsflow/internal/models"
)

// Variable resolution per token: system variables first, then module-specific
// aliases for the event's module, snake_case alias expansion, dot-path lookup
// across {payload, user, organization, trigger}, case-insensitive direct
// payload lookup, and finally a one-level nested scan of payload values.
// Missing values leave the token literal in place, which makes resolution
// idempotent.

var tokenPattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)
var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.$]+)\s*\}\}`)

// VarContext is the layered context string templates resolve against.
type VarContext struct {
	Event        Event
	User         models.JSONB
	Organization models.JSONB
	Shared       map[string]any
	Outputs      map[string]any
	Loop         map[string]any
	Now          time.Time
}

func (vc *VarContext) scope() *evalScope {
	return &evalScope{
		payload: vc.Event.Payload,
		trigger: vc.Event.AsMap(),
		shared:  vc.Shared,
		outputs: vc.Outputs,
		loop:    vc.Loop,
	}
}

// ResolveString substitutes every {TOKEN} occurrence it can resolve and
// leaves the rest untouched.
func (vc *VarContext) ResolveString(s string) string {
	if s == "" || !strings.Contains(s, "{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		token := match[1 : len(match)-1]
		if v, ok := vc.ResolveToken(token); ok {
			return stringify(v)
		}
		return match
	})
}

// ResolveTemplate substitutes {{path}} templates using condition-style path
// resolution, for CREATE_RECORD/UPDATE_RECORD field values. Plain {TOKEN}
// variables in the same string resolve afterwards.
func (vc *VarContext) ResolveTemplate(s string) string {
	if s == "" {
		return s
	}
	scope := vc.scope()
	s = templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		if v, ok := scope.resolvePath(path); ok {
			return stringify(v)
		}
		return match
	})
	return vc.ResolveString(s)
}

// ResolveToken resolves one bare token through the full resolution order.
func (vc *VarContext) ResolveToken(token string) (any, bool) {
	if v, ok := vc.systemVariable(token); ok {
		return v, true
	}
	if v, ok := vc.moduleAlias(token); ok {
		return v, true
	}
	if v, ok := vc.snakeAlias(token); ok {
		return v, true
	}
	if v, ok := vc.dotPath(token); ok {
		return v, true
	}
	if v, ok := caseInsensitiveLookup(vc.Event.Payload, token); ok {
		return v, true
	}
	return vc.nestedScan(token)
}

func (vc *VarContext) systemVariable(token string) (any, bool) {
	now := vc.Now
	if now.IsZero() {
		now = time.Now()
	}
	switch strings.ToUpper(token) {
	case "CURRENT_DATE":
		return now.Format("2006-01-02"), true
	case "CURRENT_TIME":
		return now.Format("15:04:05"), true
	case "CURRENT_DATETIME":
		return now.Format(time.RFC3339), true
	case "CURRENT_USER":
		if vc.Event.UserID != "" {
			return vc.Event.UserID, true
		}
		return nil, false
	case "ORGANIZATION_NAME":
		if name := vc.Organization.String("name"); name != "" {
			return name, true
		}
		return nil, false
	case "USER_NAME":
		if name := vc.User.String("name"); name != "" {
			return name, true
		}
		return nil, false
	case "USER_EMAIL":
		if email := vc.User.String("email"); email != "" {
			return email, true
		}
		return nil, false
	}
	return nil, false
}

// moduleVariableAliases enumerates the per-module token aliases. Each alias
// lists payload keys tried in order.
var moduleVariableAliases = map[string]map[string][]string{
	"crm": {
		"CUSTOMER_NAME":  {"customerName", "name", "contactName"},
		"CUSTOMER_EMAIL": {"customerEmail", "email"},
		"LEAD_NAME":      {"leadName", "name"},
		"LEAD_SOURCE":    {"source", "leadSource"},
		"DEAL_NAME":      {"dealName", "title", "name"},
		"DEAL_AMOUNT":    {"amount", "value"},
		"DEAL_STAGE":     {"stage", "status"},
	},
	"hr": {
		"EMPLOYEE_NAME":  {"employeeName", "name"},
		"EMPLOYEE_EMAIL": {"employeeEmail", "email"},
		"LEAVE_TYPE":     {"leaveType", "type"},
		"LEAVE_DAYS":     {"days", "leaveDays"},
		"DEPARTMENT":     {"department"},
	},
	"finance": {
		"INVOICE_NUMBER": {"invoiceNumber", "number"},
		"INVOICE_AMOUNT": {"amount", "total"},
		"CUSTOMER_NAME":  {"customerName", "name"},
		"CUSTOMER_EMAIL": {"customerEmail", "email"},
		"DUE_DATE":       {"dueDate"},
	},
	"projects": {
		"PROJECT_NAME":  {"projectName", "name"},
		"TASK_NAME":     {"taskName", "title", "name"},
		"ASSIGNEE_NAME": {"assigneeName", "assignee"},
		"DUE_DATE":      {"dueDate", "deadline"},
	},
}

func (vc *VarContext) moduleAlias(token string) (any, bool) {
	aliases, ok := moduleVariableAliases[NormalizeModule(vc.Event.Module)]
	if !ok {
		return nil, false
	}
	keys, ok := aliases[strings.ToUpper(token)]
	if !ok {
		return nil, false
	}
	for _, key := range keys {
		if v, ok := vc.Event.Payload[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// snakeAlias expands lower_snake tokens: the well-known ones map onto the
// user/organization roots or payload fallback chains, the rest convert to a
// dot path (a_b -> a.b).
func (vc *VarContext) snakeAlias(token string) (any, bool) {
	if !strings.Contains(token, "_") || token != strings.ToLower(token) {
		return nil, false
	}
	switch token {
	case "user_name":
		return vc.dotPath("user.name")
	case "user_email":
		return vc.dotPath("user.email")
	case "organization_name":
		return vc.dotPath("organization.name")
	case "customer_email":
		return firstPayloadValue(vc.Event.Payload, "customerEmail", "email")
	case "customer_name":
		return firstPayloadValue(vc.Event.Payload, "customerName", "name")
	case "employee_email":
		return firstPayloadValue(vc.Event.Payload, "employeeEmail", "email")
	case "employee_name":
		return firstPayloadValue(vc.Event.Payload, "employeeName", "name")
	}
	return vc.dotPath(strings.ReplaceAll(token, "_", "."))
}

// dotPath resolves across the {payload, user, organization, trigger} roots.
// Unprefixed paths try payload first.
func (vc *VarContext) dotPath(token string) (any, bool) {
	trigger := vc.Event.AsMap()
	roots := map[string]any{
		"payload":      vc.Event.Payload,
		"user":         vc.User,
		"organization": vc.Organization,
		"trigger":      trigger,
	}
	head, rest, cut := strings.Cut(token, ".")
	if cut {
		if root, ok := roots[strings.ToLower(head)]; ok {
			return lookupPath(root, rest)
		}
	}
	return lookupPath(vc.Event.Payload, token)
}

func (vc *VarContext) nestedScan(token string) (any, bool) {
	for _, v := range vc.Event.Payload {
		if nested, ok := toMap(v); ok {
			if found, ok := caseInsensitiveLookup(nested, token); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func caseInsensitiveLookup(m models.JSONB, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func firstPayloadValue(payload models.JSONB, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := payload[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func toMap(v any) (models.JSONB, bool) {
	switch m := v.(type) {
	case models.JSONB:
		return m, true
	case map[string]any:
		return models.JSONB(m), true
	}
	return nil, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
