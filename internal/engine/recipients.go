package engine

import (
	"strings"

	"opsflow/internal/models"
)

// Recipient extraction with module-specific fallbacks: Projects prefers the
// assignee then the creator; Finance prefers the triggering user, then
// creator/updater, then the customer; everything else walks the generic email
// keys including a one-level nested scan.

func extractEmailRecipient(module string, payload models.JSONB, user models.JSONB) string {
	switch NormalizeModule(module) {
	case "projects":
		if email := firstString(payload, "assigneeEmail"); email != "" {
			return email
		}
		if email := nestedString(payload, "assignee", "email"); email != "" {
			return email
		}
		if email := firstString(payload, "creatorEmail"); email != "" {
			return email
		}
		if email := nestedString(payload, "creator", "email"); email != "" {
			return email
		}
	case "finance":
		if email := user.String("email"); email != "" {
			return email
		}
		if email := firstString(payload, "creatorEmail", "updaterEmail"); email != "" {
			return email
		}
		if email := firstString(payload, "customerEmail"); email != "" {
			return email
		}
	}
	return genericEmail(payload)
}

func genericEmail(payload models.JSONB) string {
	if email := firstString(payload, "email", "customerEmail", "employeeEmail"); email != "" {
		return email
	}
	for _, v := range payload {
		if nested, ok := toMap(v); ok {
			if email := nested.String("email"); looksLikeEmail(email) {
				return email
			}
		}
	}
	return ""
}

func extractPhoneRecipient(payload models.JSONB) string {
	if phone := firstString(payload, "phone", "phoneNumber", "mobile", "customerPhone", "employeePhone"); phone != "" {
		return phone
	}
	for _, v := range payload {
		if nested, ok := toMap(v); ok {
			if phone := firstString(nested, "phone", "phoneNumber", "mobile"); phone != "" {
				return phone
			}
		}
	}
	return ""
}

func firstString(m models.JSONB, keys ...string) string {
	for _, key := range keys {
		if s := m.String(key); strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func nestedString(m models.JSONB, key, field string) string {
	if nested, ok := toMap(m[key]); ok {
		return nested.String(field)
	}
	return ""
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	return at > 0 && at < len(s)-1
}
