package engine

import (
	"fmt"
	"strings"
	"time"

	"opsflow/internal/models"
)

// Event is a domain event handed to the dispatcher by other subsystems.
// Module, entity and event values are case-insensitive and pass through the
// alias table before matching.
type Event struct {
	OrganizationID string       `json:"organizationId"`
	Module         string       `json:"module"`
	EntityType     string       `json:"entityType"`
	EventType      string       `json:"eventType"`
	Payload        models.JSONB `json:"payload"`
	UserID         string       `json:"userId,omitempty"`
	TriggeredAt    time.Time    `json:"triggeredAt,omitempty"`
}

// Validate enforces the required event fields.
func (e Event) Validate() error {
	if strings.TrimSpace(e.OrganizationID) == "" {
		return fmt.Errorf("event: organizationId is required")
	}
	return nil
}

// AsMap renders the event envelope for trigger snapshots and variable
// resolution under the "trigger" root.
func (e Event) AsMap() models.JSONB {
	m := models.JSONB{
		"organizationId": e.OrganizationID,
		"module":         e.Module,
		"entityType":     e.EntityType,
		"eventType":      e.EventType,
		"payload":        map[string]any(e.Payload),
	}
	if e.UserID != "" {
		m["userId"] = e.UserID
	}
	if !e.TriggeredAt.IsZero() {
		m["triggeredAt"] = e.TriggeredAt.UTC().Format(time.RFC3339)
	}
	return m
}

// EventFromMap rebuilds an Event from a persisted trigger snapshot.
func EventFromMap(m models.JSONB) Event {
	ev := Event{
		OrganizationID: m.String("organizationId"),
		Module:         m.String("module"),
		EntityType:     m.String("entityType"),
		EventType:      m.String("eventType"),
		UserID:         m.String("userId"),
	}
	switch p := m["payload"].(type) {
	case models.JSONB:
		ev.Payload = p
	case map[string]any:
		ev.Payload = models.JSONB(p)
	}
	if ts := m.String("triggeredAt"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.TriggeredAt = t
		}
	}
	return ev
}

// WithPayload returns a copy of the event carrying the given payload. The
// envelope fields are shared; the payload map is the caller's.
func (e Event) WithPayload(payload models.JSONB) Event {
	clone := e
	clone.Payload = payload
	return clone
}

// moduleAliases maps module-scoped entity synonyms onto a canonical name so
// CRM "customer" triggers fire for "contact" events and vice versa.
var moduleAliases = map[string]map[string]string{
	"crm": {
		"contact":     "customer",
		"customer":    "customer",
		"opportunity": "deal",
		"deal":        "deal",
	},
	"hr": {
		"time_off": "timeoff",
		"timeoff":  "timeoff",
	},
}

// NormalizeModule lowercases and trims a module name.
func NormalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}

// NormalizeEntity canonicalizes an entity name within a module.
func NormalizeEntity(module, entity string) string {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if aliases, ok := moduleAliases[NormalizeModule(module)]; ok {
		if canonical, ok := aliases[entity]; ok {
			return canonical
		}
	}
	return entity
}

// NormalizeEventType lowercases and trims an event type.
func NormalizeEventType(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}

// CanonicalTriggerKind maps a normalized (module, entity, event) triple onto
// the canonical trigger type used to prefilter triggers, when one exists.
func CanonicalTriggerKind(module, entity, eventType string) (string, bool) {
	module = NormalizeModule(module)
	entity = NormalizeEntity(module, entity)
	eventType = NormalizeEventType(eventType)
	if module == "" || entity == "" || eventType == "" {
		return "", false
	}
	known := map[string]bool{
		"crm.lead.created":             true,
		"crm.lead.updated":             true,
		"crm.customer.created":         true,
		"crm.customer.updated":         true,
		"crm.deal.created":             true,
		"crm.deal.deal_status_changed": true,
		"hr.employee.created":          true,
		"hr.timeoff.requested":         true,
		"hr.timeoff.approved":          true,
		"finance.invoice.created":      true,
		"finance.invoice.paid":         true,
		"finance.invoice.overdue":      true,
		"projects.task.created":        true,
		"projects.task.completed":      true,
		"projects.project.created":     true,
	}
	kind := module + "." + entity + "." + eventType
	if known[kind] {
		return kind, true
	}
	return "", false
}
